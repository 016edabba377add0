package importer

import (
	"os"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/clientfolio/backend/src/logger"
	"github.com/username/clientfolio/backend/src/models"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

const sampleCSV = `entity_id,date,amount,kind
fund-1,2023-01-01,1000,contribution
fund-1,2023-07-01,200,withdrawal
fund-1,2024-01-01,900,valuation
`

func TestParseWellFormedFile(t *testing.T) {
	result, err := NewParser().Parse(strings.NewReader(sampleCSV))

	require.NoError(t, err)
	require.Len(t, result.Rows, 3)
	assert.Empty(t, result.Skipped)

	first := result.Rows[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "fund-1", first.EntityID)
	assert.Equal(t, models.KindContribution, first.Kind)
	assert.True(t, first.Amount.Equal(decimal.RequireFromString("1000")))
	assert.Equal(t, models.KindValuation, result.Rows[2].Kind)
}

func TestParseSkipsMalformedRows(t *testing.T) {
	csv := `entity_id,date,amount,kind
fund-1,2023-01-01,1000,contribution
,2023-02-01,100,contribution
fund-1,01/03/2023,100,contribution
fund-1,2023-04-01,not-a-number,contribution
fund-1,2023-05-01,-100,contribution
fund-1,2023-06-01,100,dividend
fund-1,2024-01-01,1100,valuation
`

	result, err := NewParser().Parse(strings.NewReader(csv))

	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
	assert.Len(t, result.Skipped, 5)
	for _, reason := range result.Skipped {
		assert.Contains(t, reason, "line ")
	}
}

func TestParseHeaderOnly(t *testing.T) {
	result, err := NewParser().Parse(strings.NewReader("entity_id,date,amount,kind\n"))

	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	assert.Empty(t, result.Skipped)
}

func TestParseEmptyFileFails(t *testing.T) {
	_, err := NewParser().Parse(strings.NewReader(""))

	assert.Error(t, err)
}
