package membership

import "github.com/MarcoPoloResearchLab/corates/backend/internal/project"

// Project is the relational record of a project.
type Project struct {
	ID               string `gorm:"column:id;primaryKey;size:190"`
	Name             string `gorm:"column:name;size:255;not null"`
	Description      string `gorm:"column:description;size:2000"`
	OrgID            string `gorm:"column:org_id;size:190;index"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing projects.
func (Project) TableName() string {
	return "projects"
}

// Member is one user's role in one project.
type Member struct {
	ProjectID       string `gorm:"column:project_id;primaryKey;size:190"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;index"`
	Role            string `gorm:"column:role;size:16;not null"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName exposes the table backing project membership.
func (Member) TableName() string {
	return "project_members"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Project{}, &Member{}}
}

// ProjectInput describes a new project.
type ProjectInput struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=2000"`
	OrgID       string `json:"orgId" validate:"max=190"`
}

// ProjectChanges carries the fields to update. Nil fields are left untouched.
type ProjectChanges struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=2000"`
}

// ProjectSummary is a project as seen by one of its members.
type ProjectSummary struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	OrgID       string       `json:"orgId"`
	Role        project.Role `json:"role"`
	CreatedAt   int64        `json:"createdAt"`
	UpdatedAt   int64        `json:"updatedAt"`
}

func (p Project) summary(role project.Role) ProjectSummary {
	return ProjectSummary{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		OrgID:       p.OrgID,
		Role:        role,
		CreatedAt:   p.CreatedAtSeconds * 1000,
		UpdatedAt:   p.UpdatedAtSeconds * 1000,
	}
}
