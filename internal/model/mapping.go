package model

// FieldMap translates a record between its local-mirror shape and its remote
// shape. Maps must not mutate their input.
type FieldMap func(Record) Record

// MatchFunc reports whether a local record and a remote record describe the
// same entity. The default match compares the local remoteId against the
// remote record's "id" field (backend clients normalise their native key to
// "id" before records reach the engine).
type MatchFunc func(local, remote Record) bool

// Mapping declares how one entity collection syncs: naming on both sides,
// field translation, matching, and its position in the dependency order.
// The engine consumes Mappings; coordinators may wrap ToRemote/FromRemote to
// attach lookups that need live collection state (foreign-key translation).
type Mapping struct {
	// LocalName is the local-mirror collection key.
	LocalName string

	// RemoteName is the remote table name.
	RemoteName string

	// SyncOrder fixes dependency order inside a coordinator group; lower
	// syncs first. Reference tables come before the records that point at
	// them.
	SyncOrder int

	// Optional marks tables that may not be provisioned remotely yet.
	// A missing optional table yields an Absent result, not a sync failure.
	Optional bool

	// Elevated marks tables whose pushes must run in the remote client's
	// elevated mode (row-level authorization bypass for admin writes).
	Elevated bool

	// ConflictKey, when set, makes pushes use the backend's upsert with
	// this conflict target instead of a plain insert. Used for tables with
	// a composite uniqueness rule, so a retried push merges instead of
	// duplicating.
	ConflictKey string

	ToRemote   FieldMap
	FromRemote FieldMap
	Match      MatchFunc
}

// Matches applies the mapping's match function, falling back to the default
// remoteId comparison when none is declared.
func (m Mapping) Matches(local, remote Record) bool {
	if m.Match != nil {
		return m.Match(local, remote)
	}
	return local.RemoteID() != "" && local.RemoteID() == remote.String("id")
}

// WithToRemote returns a copy of the mapping whose ToRemote first applies the
// declared map and then fn. Coordinators use this to layer foreign-key
// translation over the base field renames.
func (m Mapping) WithToRemote(fn func(Record) Record) Mapping {
	base := m.ToRemote
	m.ToRemote = func(r Record) Record {
		return fn(base(r))
	}
	return m
}

// WithFromRemote is the pull-direction counterpart of [Mapping.WithToRemote].
func (m Mapping) WithFromRemote(fn func(Record) Record) Mapping {
	base := m.FromRemote
	m.FromRemote = func(r Record) Record {
		return fn(base(r))
	}
	return m
}

// copyFields builds a new record holding only the listed key renames.
// Each pair is {from, to}; missing source keys are skipped.
func copyFields(src Record, pairs [][2]string) Record {
	out := make(Record, len(pairs))
	for _, p := range pairs {
		if v, ok := src[p[0]]; ok {
			out[p[1]] = v
		}
	}
	return out
}

// Departments translates between the local camelCase shape and the remote
// snake_case columns.
func Departments() Mapping {
	return Mapping{
		LocalName:  CollectionDepartments,
		RemoteName: "departments",
		SyncOrder:  10,
		ToRemote: func(r Record) Record {
			return copyFields(r, [][2]string{
				{"name", "name"},
				{"manager", "manager"},
				{"description", "description"},
				{"reportCount", "report_count"},
				{"onTimeRate", "on_time_rate"},
			})
		},
		FromRemote: func(r Record) Record {
			return copyFields(r, [][2]string{
				{"name", "name"},
				{"manager", "manager"},
				{"description", "description"},
				{"report_count", "reportCount"},
				{"on_time_rate", "onTimeRate"},
			})
		},
	}
}

// Users translates user records, converting the role string to the numeric
// role_id the remote schema stores. Permissions travel verbatim. User pushes
// run elevated: ordinary credentials cannot insert rows for other accounts.
func Users() Mapping {
	return Mapping{
		LocalName:  CollectionUsers,
		RemoteName: "users",
		SyncOrder:  20,
		Elevated:   true,
		ToRemote: func(r Record) Record {
			out := copyFields(r, [][2]string{
				{"name", "name"},
				{"email", "email"},
				{"department", "department"},
				{"permissions", "permissions"},
			})
			out["role_id"] = RoleID(Role(r.String("role")))
			return out
		},
		FromRemote: func(r Record) Record {
			out := copyFields(r, [][2]string{
				{"name", "name"},
				{"email", "email"},
				{"department", "department"},
				{"permissions", "permissions"},
			})
			out["role"] = string(RoleFromID(r.Int("role_id")))
			return out
		},
	}
}

// reference builds the mapping for one of the simple lookup tables.
func reference(localName, remoteName string, order int) Mapping {
	fields := [][2]string{
		{"name", "name"},
		{"description", "description"},
	}
	return Mapping{
		LocalName:  localName,
		RemoteName: remoteName,
		SyncOrder:  order,
		ToRemote:   func(r Record) Record { return copyFields(r, fields) },
		FromRemote: func(r Record) Record { return copyFields(r, fields) },
	}
}

// ReportTypes is the lookup table for report categories.
func ReportTypes() Mapping { return reference(CollectionReportTypes, "report_types", 30) }

// Frequencies is the lookup table for submission cadences.
func Frequencies() Mapping { return reference(CollectionFrequencies, "frequencies", 31) }

// Formats is the lookup table for file formats.
func Formats() Mapping { return reference(CollectionFormats, "formats", 32) }

// Reports translates report records. The submitter name is denormalised onto
// the remote row at write time so reads need no join. Foreign keys
// (departmentId, reportTypeId) are local ids here; the reports coordinator
// wraps this mapping to translate them to remote ids.
func Reports() Mapping {
	return Mapping{
		LocalName:  CollectionReports,
		RemoteName: "reports",
		SyncOrder:  40,
		ToRemote: func(r Record) Record {
			return copyFields(r, [][2]string{
				{"fileName", "file_name"},
				{"fileUrl", "report_url"},
				{"submitterId", "submitter_id"},
				{"submitterName", "submitter_name"},
				{"departmentId", "department_id"},
				{"reportTypeId", "report_type_id"},
				{"date", "report_date"},
				{"status", "status"},
				{"format", "format"},
				{"frequency", "frequency"},
				{"notes", "notes"},
			})
		},
		FromRemote: func(r Record) Record {
			return copyFields(r, [][2]string{
				{"file_name", "fileName"},
				{"report_url", "fileUrl"},
				{"submitter_id", "submitterId"},
				{"submitter_name", "submitterName"},
				{"department_id", "departmentId"},
				{"report_type_id", "reportTypeId"},
				{"report_date", "date"},
				{"status", "status"},
				{"format", "format"},
				{"frequency", "frequency"},
				{"notes", "notes"},
			})
		},
	}
}

// Scorecards, KPIs, assignments, and results are newer tables that may not be
// provisioned on every deployment yet — all four are Optional.

// Scorecards is the scorecard container table.
func Scorecards() Mapping {
	m := reference(CollectionScorecards, "scorecards", 50)
	m.Optional = true
	return m
}

// KPIs maps KPI rows. scorecardId is a local id here; the scorecard
// coordinator translates it.
func KPIs() Mapping {
	fields := [][2]string{
		{"name", "name"},
		{"target", "target"},
		{"unit", "unit"},
		{"weight", "weight"},
	}
	return Mapping{
		LocalName:  CollectionKPIs,
		RemoteName: "kpis",
		SyncOrder:  51,
		Optional:   true,
		ToRemote: func(r Record) Record {
			out := copyFields(r, fields)
			out["scorecard_id"] = r["scorecardId"]
			return out
		},
		FromRemote: func(r Record) Record {
			out := copyFields(r, fields)
			out["scorecardId"] = r["scorecard_id"]
			return out
		},
	}
}

// matchAssignmentKey compares the composite (userId, scorecardId,
// periodMonth, periodYear) tuple. Exactly one record may exist per tuple.
func matchAssignmentKey(local, remote Record) bool {
	if local.RemoteID() != "" && local.RemoteID() == remote.String("id") {
		return true
	}
	return KeyOf(local) == AssignmentKey{
		UserID:      remote.Int("user_id"),
		ScorecardID: remote.Int("scorecard_id"),
		PeriodMonth: int(remote.Int("period_month")),
		PeriodYear:  int(remote.Int("period_year")),
	}
}

func assignmentFields(toRemote bool) FieldMap {
	pairs := [][2]string{
		{"userId", "user_id"},
		{"scorecardId", "scorecard_id"},
		{"periodMonth", "period_month"},
		{"periodYear", "period_year"},
	}
	if !toRemote {
		for i, p := range pairs {
			pairs[i] = [2]string{p[1], p[0]}
		}
	}
	return func(r Record) Record { return copyFields(r, pairs) }
}

// Assignments maps scorecard assignments, keyed by the composite tuple.
func Assignments() Mapping {
	return Mapping{
		LocalName:  CollectionAssignments,
		RemoteName: "scorecard_assignments",
		SyncOrder:  52,
		Optional:   true,
		ToRemote:   assignmentFields(true),
		FromRemote: assignmentFields(false),
		Match:      matchAssignmentKey,
	}
}

// Results maps scorecard results: the assignment tuple plus the recorded
// values.
func Results() Mapping {
	base := Assignments()
	return Mapping{
		LocalName:   CollectionResults,
		RemoteName:  "scorecard_results",
		SyncOrder:   53,
		Optional:    true,
		ConflictKey: "user_id,scorecard_id,period_month,period_year",
		ToRemote: func(r Record) Record {
			out := base.ToRemote(r)
			if v, ok := r["actual"]; ok {
				out["actual"] = v
			}
			if v, ok := r["score"]; ok {
				out["score"] = v
			}
			return out
		},
		FromRemote: func(r Record) Record {
			out := base.FromRemote(r)
			if v, ok := r["actual"]; ok {
				out["actual"] = v
			}
			if v, ok := r["score"]; ok {
				out["score"] = v
			}
			return out
		},
		Match: matchAssignmentKey,
	}
}

// All returns every entity mapping in sync order. The order is the write
// dependency order: departments before users, reference tables before
// reports, scorecards before KPIs before assignments and results.
func All() []Mapping {
	return []Mapping{
		Departments(),
		Users(),
		ReportTypes(),
		Frequencies(),
		Formats(),
		Reports(),
		Scorecards(),
		KPIs(),
		Assignments(),
		Results(),
	}
}

// ByLocalName returns the mapping whose LocalName is name, or false when the
// collection is unknown.
func ByLocalName(name string) (Mapping, bool) {
	for _, m := range All() {
		if m.LocalName == name {
			return m, true
		}
	}
	return Mapping{}, false
}
