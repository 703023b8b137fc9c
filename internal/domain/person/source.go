package person

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinlogic/internal/platform/logic"
)

const (
	SourceName = "person"
	DefaultTTL = time.Hour
)

const (
	KeyGender             = "GENDER"
	KeyBirthdate          = "BIRTHDATE"
	KeyBirthdateEstimated = "BIRTHDATE ESTIMATED"
	KeyDeathDate          = "DEATH DATE"
	KeyDead               = "DEAD"
	KeyCauseOfDeath       = "CAUSE OF DEATH"
	KeyFamilyName         = "FAMILY NAME"
	KeyGivenName          = "GIVEN NAME"
)

// Demographics are not time series. Only the date keys carry a timestamp,
// which lets BEFORE and AFTER compare against the date itself. Rows with a
// null value are dropped by the scanner.
var fields = map[string]logic.Field{
	KeyGender:             {Coded: "gender", Datatype: logic.DatatypeCoded},
	KeyBirthdate:          {Datetime: "birth_date", Timestamp: "birth_date", Datatype: logic.DatatypeDatetime},
	KeyBirthdateEstimated: {Boolean: "birth_date_estimated", Datatype: logic.DatatypeBoolean},
	KeyDeathDate:          {Datetime: "death_date", Timestamp: "death_date", Datatype: logic.DatatypeDatetime},
	KeyDead:               {Boolean: "deceased", Datatype: logic.DatatypeBoolean},
	KeyCauseOfDeath:       {Coded: "cause_of_death_code", CodedDisplay: "cause_of_death_display", Datatype: logic.DatatypeCoded},
	KeyFamilyName:         {Text: "name_family", Datatype: logic.DatatypeText},
	KeyGivenName:          {Text: "name_given", Datatype: logic.DatatypeText},
}

// Keys lists the tokens the person source answers for.
func Keys() []string {
	return []string{
		KeyBirthdate, KeyBirthdateEstimated, KeyCauseOfDeath, KeyDead,
		KeyDeathDate, KeyFamilyName, KeyGender, KeyGivenName,
	}
}

// Schema maps demographic tokens onto the person table, whose id is the
// patient id.
func Schema() *logic.Schema {
	return &logic.Schema{
		Table:         "person",
		PatientColumn: "id",
		CreatedColumn: "created_at",
		IDColumn:      "id",
		StaticFilters: []string{"voided = false"},
		Resolve: func(token string) (logic.Field, bool) {
			f, ok := fields[strings.ToUpper(strings.TrimSpace(token))]
			return f, ok
		},
		Unsupported: map[logic.Operator]bool{
			logic.OpContains: true,
			logic.OpWithin:   true,
			logic.OpAsOf:     true,
		},
	}
}

// NewDataSource creates the person data source over db.
func NewDataSource(db logic.Querier, logger zerolog.Logger) *logic.SQLSource {
	return logic.NewSQLSource(logic.SQLSourceConfig{
		Name:   SourceName,
		Schema: Schema(),
		TTL:    DefaultTTL,
		Keys:   Keys,
	}, db, logger)
}
