package firewall

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/Infinibay/backend-sub001/internal/models"
)

// FilterName derives the hypervisor nwfilter name for an entity. The result
// is a pure function of its inputs: the same scope and entity id always
// produce the same byte-identical name. The derived name is a compatibility
// surface, every nwfilter object already defined on a node is addressed by
// it, so the derivation must never change.
//
// Names match ^ibay-(vm|department)-[a-f0-9]{8}$, which keeps them inside
// libvirt's naming constraints (lowercase alphanumerics and hyphens, well
// under the length cap) for any entity id.
func FilterName(scope models.RuleSetScope, entityID string) string {
	sum := sha256.Sum256([]byte(entityID))
	return "ibay-" + string(scope) + "-" + hex.EncodeToString(sum[:4])
}
