// Package model defines the entity types, the generic Record shape, and the
// declarative per-entity mappings consumed by the sync engine.
package model

import "time"

// Collection names as used by the local mirror. Remote table names may differ
// per backend and are declared on the entity mappings.
const (
	CollectionDepartments = "departments"
	CollectionUsers       = "users"
	CollectionReports     = "reports"
	CollectionReportTypes = "reportTypes"
	CollectionFrequencies = "frequencies"
	CollectionFormats     = "formats"
	CollectionScorecards  = "scorecards"
	CollectionKPIs        = "kpis"
	CollectionAssignments = "scorecardAssignments"
	CollectionResults     = "scorecardResults"
)

// Role is the access level of a user. Sync must carry roles verbatim in both
// directions; enforcement is the caller's concern.
type Role string

const (
	RoleUser    Role = "User"
	RoleManager Role = "Manager"
	RoleAdmin   Role = "Admin"
)

// RoleID maps a role to the small integer the remote schema stores.
// Unknown roles map to the ordinary-user id.
func RoleID(r Role) int64 {
	switch r {
	case RoleAdmin:
		return 3
	case RoleManager:
		return 2
	default:
		return 1
	}
}

// RoleFromID is the inverse of [RoleID].
func RoleFromID(id int64) Role {
	switch id {
	case 3:
		return RoleAdmin
	case 2:
		return RoleManager
	default:
		return RoleUser
	}
}

// Department is an organizational unit reports roll up to.
type Department struct {
	LocalID     int64
	Name        string
	Manager     string
	Description string
	ReportCount int64
	OnTimeRate  float64
	RemoteID    string
}

// ToRecord converts the department to its local-mirror record shape.
func (d Department) ToRecord() Record {
	return Record{
		"id":          d.LocalID,
		"name":        d.Name,
		"manager":     d.Manager,
		"description": d.Description,
		"reportCount": d.ReportCount,
		"onTimeRate":  d.OnTimeRate,
		"remoteId":    d.RemoteID,
	}
}

// DepartmentFromRecord rebuilds a Department from a local-mirror record.
func DepartmentFromRecord(r Record) Department {
	rate, _ := r["onTimeRate"].(float64)
	return Department{
		LocalID:     r.LocalID(),
		Name:        r.String("name"),
		Manager:     r.String("manager"),
		Description: r.String("description"),
		ReportCount: r.Int("reportCount"),
		OnTimeRate:  rate,
		RemoteID:    r.RemoteID(),
	}
}

// User is an account that can submit reports and own scorecards.
type User struct {
	LocalID     int64
	Name        string
	Email       string
	Department  string
	Role        Role
	Permissions []string
	RemoteID    string
}

// ToRecord converts the user to its local-mirror record shape.
func (u User) ToRecord() Record {
	perms := make([]any, len(u.Permissions))
	for i, p := range u.Permissions {
		perms[i] = p
	}
	return Record{
		"id":          u.LocalID,
		"name":        u.Name,
		"email":       u.Email,
		"department":  u.Department,
		"role":        string(u.Role),
		"permissions": perms,
		"remoteId":    u.RemoteID,
	}
}

// UserFromRecord rebuilds a User from a local-mirror record.
func UserFromRecord(r Record) User {
	u := User{
		LocalID:    r.LocalID(),
		Name:       r.String("name"),
		Email:      r.String("email"),
		Department: r.String("department"),
		Role:       Role(r.String("role")),
		RemoteID:   r.RemoteID(),
	}
	if raw, ok := r["permissions"].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				u.Permissions = append(u.Permissions, s)
			}
		}
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	return u
}

// Report is a submitted report document plus its metadata.
type Report struct {
	LocalID       int64
	FileName      string
	FileURL       string
	SubmitterID   int64
	SubmitterName string
	DepartmentID  int64
	ReportTypeID  int64
	Date          time.Time
	Status        string
	Format        string
	Frequency     string
	Notes         string
	RemoteID      string
}

// ToRecord converts the report to its local-mirror record shape.
func (p Report) ToRecord() Record {
	return Record{
		"id":            p.LocalID,
		"fileName":      p.FileName,
		"fileUrl":       p.FileURL,
		"submitterId":   p.SubmitterID,
		"submitterName": p.SubmitterName,
		"departmentId":  p.DepartmentID,
		"reportTypeId":  p.ReportTypeID,
		"date":          p.Date.UTC().Format(time.RFC3339),
		"status":        p.Status,
		"format":        p.Format,
		"frequency":     p.Frequency,
		"notes":         p.Notes,
		"remoteId":      p.RemoteID,
	}
}

// ReportFile is uploaded blob metadata attached to a report.
type ReportFile struct {
	Path        string
	URL         string
	Size        int64
	ContentType string
}

// Reference is the shared shape of the simple lookup tables: report types,
// frequencies, and formats.
type Reference struct {
	LocalID     int64
	Name        string
	Description string
	RemoteID    string
}

// ToRecord converts the reference entry to its local-mirror record shape.
func (f Reference) ToRecord() Record {
	return Record{
		"id":          f.LocalID,
		"name":        f.Name,
		"description": f.Description,
		"remoteId":    f.RemoteID,
	}
}

// ReferenceFromRecord rebuilds a Reference from a local-mirror record.
func ReferenceFromRecord(r Record) Reference {
	return Reference{
		LocalID:     r.LocalID(),
		Name:        r.String("name"),
		Description: r.String("description"),
		RemoteID:    r.RemoteID(),
	}
}

// Scorecard is a named KPI container assigned to users per period.
type Scorecard struct {
	LocalID     int64
	Name        string
	Description string
	RemoteID    string
}

// KPI is a single measurable belonging to a scorecard.
type KPI struct {
	LocalID     int64
	ScorecardID int64
	Name        string
	Target      float64
	Unit        string
	Weight      float64
	RemoteID    string
}

// AssignmentKey is the composite key identifying a scorecard assignment or
// result: one tuple per user, scorecard, and period.
type AssignmentKey struct {
	UserID      int64
	ScorecardID int64
	PeriodMonth int
	PeriodYear  int
}

// KeyOf extracts the composite assignment key from a record.
func KeyOf(r Record) AssignmentKey {
	return AssignmentKey{
		UserID:      r.Int("userId"),
		ScorecardID: r.Int("scorecardId"),
		PeriodMonth: int(r.Int("periodMonth")),
		PeriodYear:  int(r.Int("periodYear")),
	}
}
