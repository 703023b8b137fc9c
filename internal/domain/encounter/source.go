package encounter

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinlogic/internal/platform/logic"
)

const (
	SourceName = "encounter"
	DefaultTTL = 10 * time.Minute
)

const (
	KeyEncounter = "ENCOUNTER"
	KeyType      = "ENCOUNTER TYPE"
	KeyClass     = "ENCOUNTER CLASS"
	KeyLocation  = "ENCOUNTER LOCATION"
	KeyStatus    = "ENCOUNTER STATUS"
)

var fields = map[string]logic.Field{
	KeyEncounter: {Coded: "type_code", CodedDisplay: "type_display", Datatype: logic.DatatypeCoded},
	KeyType:      {Coded: "type_code", CodedDisplay: "type_display", Datatype: logic.DatatypeCoded},
	KeyClass:     {Coded: "class_code", CodedDisplay: "class_display", Datatype: logic.DatatypeCoded},
	KeyLocation:  {Text: "location_name", Datatype: logic.DatatypeText},
	KeyStatus:    {Coded: "status", Datatype: logic.DatatypeCoded},
}

// Keys lists the tokens the encounter source answers for.
func Keys() []string {
	return []string{KeyEncounter, KeyClass, KeyLocation, KeyStatus, KeyType}
}

// Schema maps encounter tokens onto the encounter table. Every token reads
// one row per encounter, timed by the start of the encounter period.
func Schema() *logic.Schema {
	return &logic.Schema{
		Table:         "encounter",
		PatientColumn: "patient_id",
		TimeColumn:    "period_start",
		CreatedColumn: "created_at",
		IDColumn:      "id",
		StaticFilters: []string{"status <> 'entered-in-error'"},
		Resolve: func(token string) (logic.Field, bool) {
			f, ok := fields[strings.ToUpper(strings.TrimSpace(token))]
			return f, ok
		},
		Unsupported: map[logic.Operator]bool{logic.OpContains: true},
	}
}

// NewDataSource creates the encounter data source over db.
func NewDataSource(db logic.Querier, logger zerolog.Logger) *logic.SQLSource {
	return logic.NewSQLSource(logic.SQLSourceConfig{
		Name:   SourceName,
		Schema: Schema(),
		TTL:    DefaultTTL,
		Keys:   Keys,
	}, db, logger)
}
