package observation

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinlogic/internal/platform/logic"
)

const (
	// SourceName is the name rules use to reference observations, as in
	// "@obs.CD4 COUNT".
	SourceName = "obs"

	// DefaultTTL bounds how long observation results are cached.
	DefaultTTL = 5 * time.Minute
)

// Components answer for every observation regardless of concept.
const (
	ComponentObsDatetime = "OBS DATETIME"
	ComponentEncounterID = "ENCOUNTER ID"
)

// Schema maps concept tokens onto the observation table. Coded concepts
// compare on the answer code and its display.
func Schema(dict *Dictionary) *logic.Schema {
	return &logic.Schema{
		Table:         "observation",
		PatientColumn: "patient_id",
		TimeColumn:    "obs_datetime",
		CreatedColumn: "created_at",
		IDColumn:      "id",
		StaticFilters: []string{"voided = false"},
		Resolve: func(token string) (logic.Field, bool) {
			switch strings.ToUpper(strings.TrimSpace(token)) {
			case ComponentObsDatetime:
				return logic.Field{Datetime: "obs_datetime", Datatype: logic.DatatypeDatetime}, true
			case ComponentEncounterID:
				return logic.Field{Text: "encounter_id::text", Datatype: logic.DatatypeText}, true
			}
			c, ok := dict.Lookup(token)
			if !ok {
				return logic.Field{}, false
			}
			return conceptField(c), true
		},
	}
}

func conceptField(c Concept) logic.Field {
	f := logic.Field{
		KeyClause: "(code_value = $%[1]d)",
		KeyArg:    c.Code,
		Datatype:  c.Datatype,
	}
	switch c.Datatype {
	case logic.DatatypeNumeric:
		f.Numeric = "value_numeric"
	case logic.DatatypeText:
		f.Text = "value_text"
	case logic.DatatypeDatetime:
		f.Datetime = "value_datetime"
	case logic.DatatypeBoolean:
		f.Boolean = "value_boolean"
	case logic.DatatypeCoded:
		f.Coded, f.CodedDisplay = "value_coded", "value_coded_display"
	default:
		f.Numeric = "value_numeric"
		f.Text = "value_text"
		f.Datetime = "value_datetime"
		f.Boolean = "value_boolean"
		f.Coded, f.CodedDisplay = "value_coded", "value_coded_display"
	}
	return f
}

// NewDataSource creates the observation data source over db.
func NewDataSource(db logic.Querier, dict *Dictionary, logger zerolog.Logger) *logic.SQLSource {
	return logic.NewSQLSource(logic.SQLSourceConfig{
		Name:   SourceName,
		Schema: Schema(dict),
		TTL:    DefaultTTL,
		Keys: func() []string {
			return append(dict.Names(), ComponentEncounterID, ComponentObsDatetime)
		},
	}, db, logger)
}
