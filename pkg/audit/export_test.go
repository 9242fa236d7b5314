package audit

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportFixture() []*Event {
	actorID := int64(7)
	return []*Event{
		{
			ID:         1,
			Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Action:     ActionAuthLogin,
			Status:     StatusSuccess,
			ActorID:    &actorID,
			ActorEmail: "ops@example.com",
			TargetType: TargetUser,
			TargetID:   "7",
			IPAddress:  "10.0.0.1",
		},
		{
			ID:         2,
			Timestamp:  time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
			Action:     ActionApprovalApproved,
			Status:     StatusSuccess,
			ActorEmail: "admin@example.com",
			TargetType: TargetApproval,
			TargetID:   "12",
			Details:    map[string]any{"quorum": float64(2)},
		},
	}
}

func TestExportCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, exportFixture(), ExportFormatCSV))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "auth.login", records[1][2])
	assert.Equal(t, "7", records[1][4])
	assert.Contains(t, records[2][15], `"quorum"`)
}

func TestExportNDJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, exportFixture(), ExportFormatNDJSON))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	first, err := FromJSON([]byte(lines[0]))
	require.NoError(t, err)
	assert.Equal(t, ActionAuthLogin, first.Action)

	second, err := FromJSON([]byte(lines[1]))
	require.NoError(t, err)
	assert.Equal(t, "12", second.TargetID)
}

func TestExportUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Export(&buf, exportFixture(), ExportFormat("xml"))
	assert.Error(t, err)
}
