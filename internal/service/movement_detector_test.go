package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/registry-scanner/internal/config"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/storage"
	"github.com/registry-scanner/internal/types"
)

func testPolicy() *config.DetectionPolicy {
	policy := config.DefaultDetectionPolicy()
	policy.RecentRegistrationDays = 0
	policy.Jurisdictions = []config.JurisdictionName{
		{ID: "0301", Name: "Oslo"},
		{ID: "4601", Name: "Bergen", Aliases: []string{"Bjørgvin"}},
		{ID: "5001", Name: "Trondheim"},
	}
	policy.PostalCodes = map[string]string{"0150": "0301", "5003": "4601", "7010": "5001"}
	return &policy
}

type detectorFixture struct {
	repo     *storage.MemoryRepository
	clock    *fakeClock
	merger   *HistoryMerger
	detector *MovementDetector
}

func newDetectorFixture(policy *config.DetectionPolicy) *detectorFixture {
	repo := storage.NewMemoryRepository()
	clock := newFakeClock(day0)
	return &detectorFixture{
		repo:     repo,
		clock:    clock,
		merger:   newTestMerger(repo, clock),
		detector: NewMovementDetector(repo, NewJurisdictionDirectory(policy), DefaultRules(policy), 2, nil),
	}
}

func (f *detectorFixture) mergeAt(t *testing.T, at time.Time, e models.Entity, addresses ...models.AddressRecord) {
	t.Helper()
	f.clock.Set(at)
	_, err := f.merger.Merge(testContext(t), e, addresses)
	require.NoError(t, err)
}

func activeAlerts(alerts []models.MovementAlert) []models.MovementAlert {
	var out []models.MovementAlert
	for _, a := range alerts {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out
}

func TestMovementDetector_MoveThenBankruptcyIsCritical(t *testing.T) {
	f := newDetectorFixture(testPolicy())
	e := entity("E")
	e.RegistrationDate = &day0

	f.mergeAt(t, day0.Add(time.Hour), e, business("J1", "", "FIRST STREET 1"))
	f.mergeAt(t, day(100), e, business("J2", "", "SECOND STREET 2"))

	bankrupt := e
	bankruptAt := day(120)
	bankrupt.Status = types.StatusBankrupt
	bankrupt.StatusChangedAt = &bankruptAt
	f.mergeAt(t, day(121), bankrupt, business("J2", "", "SECOND STREET 2"))

	alerts, err := f.detector.Detect(testContext(t), "E")
	require.NoError(t, err)

	active := activeAlerts(alerts)
	require.Len(t, active, 1)
	a := active[0]
	assert.Equal(t, "J1", a.FromJurisdiction)
	assert.Equal(t, "J2", a.ToJurisdiction)
	assert.Equal(t, types.RiskCritical, a.RiskLevel)
	assert.Equal(t, types.ConfidenceMedium, a.Confidence)
	assert.True(t, a.TransitionDate.Equal(day(100)))
	assert.Contains(t, a.Evidence, "bankruptcy on 2024-04-30, 20 days after the move")
}

func TestMovementDetector_Confidence(t *testing.T) {
	tests := []struct {
		name           string
		from, to       models.AddressRecord
		wantFrom       string
		wantTo         string
		wantConfidence types.Confidence
	}{
		{
			name:           "postal directory confirms destination",
			from:           business("0301", "0150", "STORGATA 1"),
			to:             business("4601", "5003", "TORGET 2"),
			wantFrom:       "0301",
			wantTo:         "4601",
			wantConfidence: types.ConfidenceHigh,
		},
		{
			name:           "no postal corroboration",
			from:           business("0301", "0150", "STORGATA 1"),
			to:             business("4601", "9999", "TORGET 2"),
			wantFrom:       "0301",
			wantTo:         "4601",
			wantConfidence: types.ConfidenceMedium,
		},
		{
			name:           "postal directory contradicts",
			from:           business("0301", "0150", "STORGATA 1"),
			to:             business("4601", "7010", "TORGET 2"),
			wantFrom:       "0301",
			wantTo:         "4601",
			wantConfidence: types.ConfidenceLow,
		},
		{
			name:           "destination inferred from free text",
			from:           business("0301", "0150", "STORGATA 1"),
			to:             business("", "", "TORGET 2, BJØRGVIN"),
			wantFrom:       "0301",
			wantTo:         "4601",
			wantConfidence: types.ConfidenceLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDetectorFixture(testPolicy())
			f.mergeAt(t, day(1), entity("E"), tt.from)
			f.mergeAt(t, day(40), entity("E"), tt.to)

			alerts, err := f.detector.Detect(testContext(t), "E")
			require.NoError(t, err)
			require.Len(t, alerts, 1)
			assert.Equal(t, tt.wantFrom, alerts[0].FromJurisdiction)
			assert.Equal(t, tt.wantTo, alerts[0].ToJurisdiction)
			assert.Equal(t, tt.wantConfidence, alerts[0].Confidence)
			assert.Equal(t, types.RiskMedium, alerts[0].RiskLevel)
			assert.True(t, alerts[0].IsActive)
		})
	}
}

func TestMovementDetector_BankruptcyRisk(t *testing.T) {
	tests := []struct {
		name       string
		to         models.AddressRecord
		status     types.EntityStatus
		bankruptAt *time.Time
		want       types.RiskLevel
	}{
		{"within window", business("4601", "5003", "TORGET 2"), types.StatusBankrupt, timePtr(day(200)), types.RiskCritical},
		{"unknown date", business("4601", "5003", "TORGET 2"), types.StatusBankrupt, nil, types.RiskCritical},
		{"bankrupt outside window", business("4601", "5003", "TORGET 2"), types.StatusBankrupt, timePtr(day(100 + 800)), types.RiskCritical},
		{"bankrupt before the move", business("4601", "5003", "TORGET 2"), types.StatusBankrupt, timePtr(day(50)), types.RiskCritical},
		{"dissolved after bankruptcy in window", business("4601", "5003", "TORGET 2"), types.StatusDissolved, timePtr(day(120)), types.RiskCritical},
		{"dissolved after earlier bankruptcy", business("4601", "5003", "TORGET 2"), types.StatusDissolved, timePtr(day(50)), types.RiskHigh},
		{"dissolved without bankruptcy", business("4601", "5003", "TORGET 2"), types.StatusDissolved, nil, types.RiskMedium},
		{"low confidence is not escalated", business("4601", "7010", "TORGET 2"), types.StatusBankrupt, timePtr(day(120)), types.RiskMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDetectorFixture(testPolicy())
			f.mergeAt(t, day(1), entity("E"), business("0301", "0150", "STORGATA 1"))
			f.mergeAt(t, day(100), entity("E"), tt.to)

			e := entity("E")
			e.Status = tt.status
			if tt.status == types.StatusBankrupt {
				e.StatusChangedAt = tt.bankruptAt
			} else {
				e.StatusChangedAt = timePtr(day(300))
				e.BankruptcyDate = tt.bankruptAt
			}
			require.NoError(t, f.repo.WithTx(testContext(t), func(tx storage.Tx) error {
				return tx.UpsertEntity(testContext(t), &e)
			}))

			alerts, err := f.detector.Detect(testContext(t), "E")
			require.NoError(t, err)
			require.Len(t, alerts, 1)
			assert.Equal(t, tt.want, alerts[0].RiskLevel)
		})
	}
}

func TestMovementDetector_BankruptThenDissolvedStaysCritical(t *testing.T) {
	f := newDetectorFixture(testPolicy())
	ctx := testContext(t)
	f.mergeAt(t, day(1), entity("E"), business("0301", "0150", "STORGATA 1"))
	f.mergeAt(t, day(100), entity("E"), business("4601", "5003", "TORGET 2"))

	bankrupt := entity("E")
	bankrupt.Status = types.StatusBankrupt
	f.mergeAt(t, day(120), bankrupt, business("4601", "5003", "TORGET 2"))

	alerts, err := f.detector.Detect(ctx, "E")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.RiskCritical, alerts[0].RiskLevel)

	// the dissolved snapshot no longer carries the bankruptcy
	dissolved := entity("E")
	dissolved.Status = types.StatusDissolved
	f.mergeAt(t, day(200), dissolved, business("4601", "5003", "TORGET 2"))

	stored, err := f.repo.GetEntity(ctx, "E")
	require.NoError(t, err)
	require.NotNil(t, stored.BankruptcyDate)
	assert.True(t, stored.BankruptcyDate.Equal(day(120)))

	alerts, err = f.detector.Detect(ctx, "E")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.RiskCritical, alerts[0].RiskLevel)
	assert.Contains(t, alerts[0].Evidence, "bankruptcy on 2024-04-30, 20 days after the move")
}

func TestMovementDetector_WithinJurisdictionChangeIsInactive(t *testing.T) {
	f := newDetectorFixture(testPolicy())
	f.mergeAt(t, day(1), entity("E"), business("0301", "0150", "STORGATA 1"))
	f.mergeAt(t, day(10), entity("E"), business("0301", "0150", "STORGATA 9"))

	alerts, err := f.detector.Detect(testContext(t), "E")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.RiskLow, alerts[0].RiskLevel)
	assert.False(t, alerts[0].IsActive)

	listed, err := f.repo.ListAlertsByJurisdiction(testContext(t), "0301")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestMovementDetector_Idempotent(t *testing.T) {
	f := newDetectorFixture(testPolicy())
	f.mergeAt(t, day(1), entity("E"), business("0301", "0150", "A"), postal("0301", "0150", "PB 1"))
	f.mergeAt(t, day(20), entity("E"), business("4601", "5003", "B"), postal("0301", "0150", "PB 1"))
	f.mergeAt(t, day(30), entity("E"), business("5001", "7010", "C"), postal("4601", "5003", "PB 2"))

	ctx := testContext(t)
	first, err := f.detector.Detect(ctx, "E")
	require.NoError(t, err)
	require.Len(t, first, 3)

	f.clock.Set(day(31))
	second, err := f.detector.Detect(ctx, "E")
	require.NoError(t, err)

	keys := func(alerts []models.MovementAlert) []models.AlertKey {
		out := make([]models.AlertKey, 0, len(alerts))
		for _, a := range alerts {
			out = append(out, a.Key())
		}
		return out
	}
	assert.ElementsMatch(t, keys(first), keys(second))

	stored, err := f.repo.ListAlertsForEntity(ctx, "E")
	require.NoError(t, err)
	assert.Len(t, stored, 3, "rescans do not duplicate alerts")
}

func TestMovementDetector_SupersededAlertsAreDeactivated(t *testing.T) {
	f := newDetectorFixture(testPolicy())
	f.mergeAt(t, day(1), entity("E"), business("0301", "0150", "A"))
	ctx := testContext(t)

	stale := &models.MovementAlert{
		EntityID:         "E",
		Kind:             types.AddressBusiness,
		FromJurisdiction: "0301",
		ToJurisdiction:   "9999",
		TransitionDate:   day(5),
		RiskLevel:        types.RiskMedium,
		IsActive:         true,
	}
	require.NoError(t, f.repo.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertMovementAlert(ctx, stale)
	}))

	alerts, err := f.detector.Detect(ctx, "E")
	require.NoError(t, err)
	assert.Empty(t, alerts)

	stored, err := f.repo.ListAlertsForEntity(ctx, "E")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].IsActive)
}

func TestMovementDetector_PolicyRules(t *testing.T) {
	policy := testPolicy()
	policy.RecentRegistrationDays = 90
	policy.HighRiskIndustries = []string{"64.2"}

	t.Run("young entity", func(t *testing.T) {
		f := newDetectorFixture(policy)
		e := entity("E")
		registered := day(0)
		e.RegistrationDate = &registered
		f.mergeAt(t, day(1), e, business("0301", "", "A"))
		f.mergeAt(t, day(30), e, business("4601", "", "B"))

		alerts, err := f.detector.Detect(testContext(t), "E")
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, types.RiskHigh, alerts[0].RiskLevel)
		assert.Contains(t, alerts[0].Evidence, "moved 30 days after registration")
	})

	t.Run("high risk industry", func(t *testing.T) {
		f := newDetectorFixture(policy)
		e := entity("E")
		e.IndustryCode = "64.209"
		f.mergeAt(t, day(1), e, business("0301", "", "A"))
		f.mergeAt(t, day(300), e, business("4601", "", "B"))

		alerts, err := f.detector.Detect(testContext(t), "E")
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, types.RiskHigh, alerts[0].RiskLevel)
		assert.Len(t, alerts[0].Evidence, 2)
	})

	t.Run("low confidence move is not escalated", func(t *testing.T) {
		f := newDetectorFixture(policy)
		e := entity("E")
		registered := day(0)
		e.RegistrationDate = &registered
		e.IndustryCode = "64.209"
		f.mergeAt(t, day(1), e, business("0301", "0150", "STORGATA 1"))
		f.mergeAt(t, day(30), e, business("", "", "TORGET 2, BJØRGVIN"))

		alerts, err := f.detector.Detect(testContext(t), "E")
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, types.ConfidenceLow, alerts[0].Confidence)
		assert.Equal(t, types.RiskMedium, alerts[0].RiskLevel)
		assert.Len(t, alerts[0].Evidence, 1)
	})
}

func TestMovementDetector_Backfill(t *testing.T) {
	f := newDetectorFixture(testPolicy())
	for _, id := range []string{"A", "B", "C"} {
		f.mergeAt(t, day(1), entity(id), business("0301", "", "A"))
	}
	f.mergeAt(t, day(9), entity("B"), business("4601", "", "B"))

	result, err := f.detector.Backfill(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Entities)
	assert.Equal(t, int64(1), result.Alerts)
	assert.Zero(t, result.Failed)
}

func TestMovementDetector_BackfillStorageUnavailable(t *testing.T) {
	f := newDetectorFixture(testPolicy())
	f.mergeAt(t, day(1), entity("A"), business("0301", "", "A"))
	f.repo.SetUnavailable(true)

	_, err := f.detector.Backfill(testContext(t))
	assert.Error(t, err)
}

func TestMovementDetector_DetectPending(t *testing.T) {
	f := newDetectorFixture(testPolicy())
	ctx := testContext(t)
	f.mergeAt(t, day(1), entity("A"), business("0301", "", "A"))
	f.mergeAt(t, day(9), entity("A"), business("4601", "", "B"))
	f.mergeAt(t, day(1), entity("B"), business("0301", "", "A"))

	f.repo.FailOn("UpsertMovementAlert", errors.New("alert table locked"))
	_, err := f.detector.Detect(ctx, "A")
	require.Error(t, err)

	result, err := f.detector.DetectPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Failed)

	pending, err := f.repo.ListDetectionPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, pending, "B has no transitions and still completes")

	f.repo.FailOn("UpsertMovementAlert", nil)
	result, err = f.detector.DetectPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Entities)
	assert.Equal(t, int64(1), result.Alerts)
	assert.Zero(t, result.Failed)

	pending, err = f.repo.ListDetectionPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSortAlerts(t *testing.T) {
	alerts := []models.MovementAlert{
		{EntityID: "1", RiskLevel: types.RiskMedium, Confidence: types.ConfidenceHigh},
		{EntityID: "2", RiskLevel: types.RiskCritical, Confidence: types.ConfidenceMedium},
		{EntityID: "3", RiskLevel: types.RiskCritical, Confidence: types.ConfidenceHigh},
		{EntityID: "4", RiskLevel: types.RiskHigh, Confidence: types.ConfidenceLow},
	}
	SortAlerts(alerts)

	got := make([]string, 0, len(alerts))
	for _, a := range alerts {
		got = append(got, a.EntityID)
	}
	assert.Equal(t, []string{"3", "2", "4", "1"}, got)
}
