package models

import (
	"time"
)

// Department groups machines and carries the department-level firewall
// policy every member machine inherits.
type Department struct {
	ID        string    `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name string `gorm:"uniqueIndex;not null" json:"name"`

	Machines []Machine `gorm:"foreignKey:DepartmentID" json:"machines,omitempty"`
}

func (Department) TableName() string {
	return "departments"
}
