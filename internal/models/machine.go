package models

import (
	"time"
)

// Machine is a managed virtual machine. The libvirt domain it maps to is
// addressed by DomainName; the control plane row is authoritative and the
// hypervisor object is re-derived from it when they disagree.
type Machine struct {
	ID        string    `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name         string  `gorm:"not null" json:"name"`
	DepartmentID *string `gorm:"index" json:"department_id"`

	// DomainName is the libvirt domain name for this machine.
	DomainName string `gorm:"uniqueIndex;not null" json:"domain_name"`

	Configuration *MachineConfiguration `gorm:"foreignKey:MachineID;constraint:OnDelete:CASCADE" json:"configuration,omitempty"`
	Applications  []MachineApplication  `gorm:"foreignKey:MachineID;constraint:OnDelete:CASCADE" json:"applications,omitempty"`
}

func (Machine) TableName() string {
	return "machines"
}

// MachineConfiguration holds the resource shape of a machine. Allocation
// logic lives outside the control plane; the row only exists here so that
// machine deletion can remove it in the right order.
type MachineConfiguration struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	MachineID string `gorm:"uniqueIndex;not null" json:"machine_id"`

	CPUCores     int `gorm:"default:1;not null" json:"cpu_cores"`
	MemoryMiB    int `gorm:"default:1024;not null" json:"memory_mib"`
	DiskGiB      int `gorm:"default:10;not null" json:"disk_gib"`
	GraphicsPort int `json:"graphics_port"`
}

func (MachineConfiguration) TableName() string {
	return "machine_configurations"
}

// MachineApplication links a machine to an application installed on it.
type MachineApplication struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	MachineID     string `gorm:"index;not null" json:"machine_id"`
	ApplicationID string `gorm:"not null" json:"application_id"`
}

func (MachineApplication) TableName() string {
	return "machine_applications"
}
