package rules_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/posting-engine/posting"
	"github.com/warp/posting-engine/posting/store"
	"github.com/warp/posting-engine/rules"
)

const sampleYAML = `
payers:
  - id: PAYER-1
    name: Acme Health
    track_reason_amounts: true
  - id: PAYER-2
forwardable:
  - {group: PR, reason: "1"}
  - {group: pr, reason: "2"}
  - {group: CO, reason: "45", forwardable: false}
  - {group: OA, reason: "*"}
  - {group: OA, reason: "23", forwardable: false}
`

func TestDefault(t *testing.T) {
	table := rules.Default()

	tests := []struct {
		group  posting.GroupCode
		reason string
		want   bool
	}{
		{posting.GroupPatientResponsible, "1", true},
		{posting.GroupPatientResponsible, "2", true},
		{posting.GroupPatientResponsible, "3", true},
		{posting.GroupPatientResponsible, " 3 ", true},
		{posting.GroupPatientResponsible, "45", false},
		{posting.GroupContractual, "1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, table.IsForwardable(tt.group, tt.reason), "%s-%s", tt.group, tt.reason)
	}
}

func TestParseYAML(t *testing.T) {
	cfg, err := rules.ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Rules.Len())
	assert.True(t, cfg.Rules.IsForwardable(posting.GroupPatientResponsible, "1"))
	assert.True(t, cfg.Rules.IsForwardable(posting.GroupPatientResponsible, "2"))
	assert.False(t, cfg.Rules.IsForwardable(posting.GroupPatientResponsible, "3"), "file replaces the defaults")
	assert.False(t, cfg.Rules.IsForwardable(posting.GroupContractual, "45"))
	assert.True(t, cfg.Rules.IsForwardable(posting.GroupOther, "18"), "wildcard")
	assert.False(t, cfg.Rules.IsForwardable(posting.GroupOther, "23"), "exact entry beats wildcard")

	require.Len(t, cfg.Payers, 2)
	assert.Equal(t, posting.Payer{ID: "PAYER-1", Name: "Acme Health", TrackReasonAmounts: true}, cfg.Payers[0])
	assert.False(t, cfg.Payers[1].TrackReasonAmounts)
}

func TestParseJSON(t *testing.T) {
	cfg, err := rules.ParseJSON([]byte(`{
		"payers": [{"id": "PAYER-9", "track_reason_amounts": true}],
		"forwardable": [{"group": "PI", "reason": "94"}]
	}`))
	require.NoError(t, err)
	assert.True(t, cfg.Rules.IsForwardable(posting.GroupPayerInitiated, "94"))
	require.Len(t, cfg.Payers, 1)
	assert.True(t, cfg.Payers[0].TrackReasonAmounts)
}

func TestFromFile_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file rules.File
		want string
	}{
		{"bad group", rules.File{Forwardable: []rules.RuleEntry{{Group: "XX", Reason: "1"}}}, "forwardable[0]"},
		{"missing reason", rules.File{Forwardable: []rules.RuleEntry{{Group: "PR"}}}, "reason is required"},
		{"duplicate rule", rules.File{Forwardable: []rules.RuleEntry{{Group: "PR", Reason: "1"}, {Group: "PR1", Reason: "1"}}}, "duplicate rule PR-1"},
		{"payer without id", rules.File{Payers: []rules.PayerEntry{{Name: "x"}}}, "id is required"},
		{"duplicate payer", rules.File{Payers: []rules.PayerEntry{{ID: "A"}, {ID: "A"}}}, "duplicate payer A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rules.FromFile(tt.file)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	cfg, err := rules.LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Rules.Len())

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err = rules.LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Payers, 2)

	_, err = rules.LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestSeedPayers_EnablesBundling(t *testing.T) {
	// GIVEN: A rules file that turns on reason-amount tracking for PAYER-1
	// WHEN: The profiles are seeded into the store
	// THEN: The store reports the switch for PAYER-1 and defaults for others

	cfg, err := rules.ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)

	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, cfg.SeedPayers(ctx, mem))

	require.NoError(t, mem.WithTx(ctx, func(s posting.Stores) error {
		p, err := s.Payer(ctx, "PAYER-1")
		require.NoError(t, err)
		assert.True(t, p.TrackReasonAmounts)

		p, err = s.Payer(ctx, "OTHER")
		require.NoError(t, err)
		assert.False(t, p.TrackReasonAmounts)
		return nil
	}))
}
