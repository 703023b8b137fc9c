package encounter

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/clinlogic/internal/platform/logic"
)

var indexDate = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestSchema_ResolvesEveryKey(t *testing.T) {
	s := Schema()
	for _, key := range Keys() {
		f, ok := s.Resolve(key)
		require.True(t, ok, key)
		assert.Empty(t, f.KeyClause, "%s reads every encounter row", key)
	}
	f, ok := s.Resolve(" encounter location ")
	require.True(t, ok)
	assert.Equal(t, "location_name", f.Text)

	_, ok = s.Resolve("ENCOUNTER PROVIDER")
	assert.False(t, ok)
}

func TestSchema_Queries(t *testing.T) {
	cohort := []uuid.UUID{uuid.New(), uuid.New()}
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		c     *logic.Criteria
		where string
		args  []interface{}
	}{
		{
			"type equals",
			logic.Token("ENCOUNTER TYPE").EqualTo("ADULTRETURN"),
			" AND (1=1 AND (type_code = $2 OR type_display ILIKE $2))",
			[]interface{}{cohort, "ADULTRETURN"},
		},
		{
			"class in",
			logic.Token("ENCOUNTER CLASS").In("AMB", "IMP"),
			" AND (1=1 AND (class_code = ANY($2) OR class_display ILIKE ANY($2)))",
			[]interface{}{cohort, []string{"AMB", "IMP"}},
		},
		{
			"first after",
			logic.Token("ENCOUNTER").After(after).First(),
			" AND (1=1 AND period_start > $2)",
			[]interface{}{cohort, after},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _, err := Schema().BuildQuery(tt.c, cohort, indexDate)
			require.NoError(t, err)
			assert.Contains(t, q.SQL(), " FROM encounter WHERE 1=1 AND patient_id = ANY($1) AND status <> 'entered-in-error'")
			assert.Contains(t, q.SQL(), tt.where)
			assert.Equal(t, tt.args, q.Args())
		})
	}

	q, _, err := Schema().BuildQuery(logic.Token("ENCOUNTER").First(), cohort, indexDate)
	require.NoError(t, err)
	assert.Contains(t, q.SQL(), "ORDER BY patient_id, period_start ASC NULLS LAST, created_at ASC NULLS LAST, id ASC")
}

func TestSchema_ContainsUnsupported(t *testing.T) {
	_, _, err := Schema().BuildQuery(logic.Token("ENCOUNTER LOCATION").Contains("ward"), []uuid.UUID{uuid.New()}, indexDate)
	assert.ErrorIs(t, err, logic.ErrNotCompilable)
}

func TestNewDataSource(t *testing.T) {
	src := NewDataSource(nil, zerolog.Nop())
	assert.Equal(t, SourceName, src.Name())
	assert.Equal(t, DefaultTTL, src.DefaultTTL())
	assert.Equal(t, Keys(), src.Keys())
	assert.False(t, src.Supports(logic.OpContains))
	assert.True(t, src.Supports(logic.OpWithin))
	assert.Equal(t, logic.DatatypeText, src.KeyDatatype(KeyLocation))
	assert.False(t, src.HasKey("OBS DATETIME"))
}
