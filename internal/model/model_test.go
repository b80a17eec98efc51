package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSession(t *testing.T) *CallSession {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, err := NewCallSession(
		Vendor{Name: "Sharma Travels", Phone: "+919800000001", Category: "taxi", Gender: "male"},
		TripContext{TripID: "trip_1", Destination: "Manali", MarketRate: 2800, BudgetMax: 3000, PartySize: 2},
		now,
	)
	require.NoError(t, err)
	return s
}

// TestSessionRoundTrip 测试持久化后重新加载字段一致
func TestSessionRoundTrip(t *testing.T) {
	s := sampleSession(t)
	s.Status = StatusNegotiating
	s.Round = 3
	s.CurrentQuote = Int64(3386)
	s.AppendTurn(SpeakerVendor, "4000 lagega", Int64(4000), s.CreatedAt)
	s.AppendTurn(SpeakerAgent, "Thoda kam kijiye", Int64(3150), s.CreatedAt)

	fields, err := FullPatch(s).Fields()
	require.NoError(t, err)

	loaded, err := Document(nil).Merge(fields).Decode()
	require.NoError(t, err)

	assert.Equal(t, s.Round, loaded.Round)
	assert.Equal(t, s.Status, loaded.Status)
	assert.Equal(t, *s.CurrentQuote, *loaded.CurrentQuote)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, s.History[0].Text, loaded.History[0].Text)
	assert.Equal(t, int64(3150), *loaded.History[1].Offer)
	assert.True(t, s.History[1].At.Equal(loaded.History[1].At))
}

// TestMergeKeepsForeignFields 测试合并写入不会抹掉另一条路径写的字段
func TestMergeKeepsForeignFields(t *testing.T) {
	s := sampleSession(t)
	base, err := FullPatch(s).Fields()
	require.NoError(t, err)
	doc := Document(nil).Merge(base)

	stage := StageNegotiation
	webhookFields, err := SessionPatch{WebhookStage: &stage}.Fields()
	require.NoError(t, err)
	doc = doc.Merge(webhookFields)

	round := 2
	status := StatusNegotiating
	streamFields, err := SessionPatch{Round: &round, Status: &status}.Fields()
	require.NoError(t, err)
	doc = doc.Merge(streamFields)

	loaded, err := doc.Decode()
	require.NoError(t, err)
	assert.Equal(t, StageNegotiation, loaded.WebhookStage)
	assert.Equal(t, 2, loaded.Round)
	assert.Equal(t, StatusNegotiating, loaded.Status)
	assert.Equal(t, "Sharma Travels", loaded.Vendor.Name)
}

// TestDecodeRejectsMalformed 测试未知字段、缺失字段和版本不符都被拒绝
func TestDecodeRejectsMalformed(t *testing.T) {
	s := sampleSession(t)
	good, err := json.Marshal(s)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(good, &generic))

	cases := map[string]func(m map[string]interface{}){
		"unknown field":   func(m map[string]interface{}) { m["mood"] = "happy" },
		"missing vendor":  func(m map[string]interface{}) { delete(m, "vendor") },
		"bad status":      func(m map[string]interface{}) { m["status"] = "HAGGLING" },
		"negative round":  func(m map[string]interface{}) { m["round"] = -1 },
		"future version":  func(m map[string]interface{}) { m["schema_version"] = 2 },
		"negative quote":  func(m map[string]interface{}) { m["current_quote"] = -5 },
		"deal no quote":   func(m map[string]interface{}) { m["deal"] = map[string]interface{}{"call_id": "x", "vendor_name": "v", "phone": "p", "negotiated_price": 10, "status": "DEAL_SUCCESS"} },
		"fractional rate": func(m map[string]interface{}) { m["trip_context"].(map[string]interface{})["market_rate"] = 2800.5 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := make(map[string]interface{})
			require.NoError(t, json.Unmarshal(good, &m))
			mutate(m)
			raw, err := json.Marshal(m)
			require.NoError(t, err)

			_, err = DecodeSession(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedSession), "got %v", err)
		})
	}

	_, err = DecodeSession(good)
	assert.NoError(t, err)
}

// TestStatusTransitions 测试状态只能前进
func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusNegotiating, StatusNegotiating))
	assert.True(t, CanTransition(StatusQualifying, StatusDeadlock))
	assert.True(t, CanTransition(StatusClosing, StatusConfirming))
	assert.True(t, CanTransition(StatusPitching, StatusCompleted))
	assert.False(t, CanTransition(StatusNegotiating, StatusPitching))
	assert.False(t, CanTransition(StatusGreeting, StatusDeadlock))
	assert.False(t, CanTransition(StatusDeadlock, StatusConfirming))
	assert.False(t, CanTransition(StatusCompleted, StatusCompleted))
}

func TestAgentVoiceIsOppositeGender(t *testing.T) {
	assert.Equal(t, AgentVoice{Gender: "male", Name: "Rahul", Speaker: "hitesh"}, AgentVoiceFor("female"))
	assert.Equal(t, AgentVoice{Gender: "female", Name: "Priya", Speaker: "manisha"}, AgentVoiceFor("male"))
	assert.Equal(t, "Priya", AgentVoiceFor("").Name)
}

func TestCallIDDeterministic(t *testing.T) {
	a := NewCallID("trip_1", "+919800000001")
	assert.Equal(t, a, NewCallID("trip_1", "+919800000001"))
	assert.NotEqual(t, a, NewCallID("trip_2", "+919800000001"))
	assert.NotEqual(t, a, NewCallID("trip_1", "+919800000002"))
}

func TestTripValidationAndRequirements(t *testing.T) {
	trip := TripContext{Destination: "Goa", PartySize: 4}
	err := trip.Validate("")
	require.ErrorIs(t, err, ErrInvalidTrip)
	assert.Contains(t, err.Error(), "market_rate, budget_max, vendor_type")

	assert.Equal(t, []string{"room for 4 people"}, trip.RequirementsFor("Homestay"))
	assert.Equal(t, []string{"table for 4 people"}, trip.RequirementsFor("restaurant"))
	assert.Equal(t, []string{"trip to Goa for 4 people"}, trip.RequirementsFor("taxi"))

	trip.Requirements = []string{"AC sedan"}
	assert.Equal(t, []string{"AC sedan"}, trip.RequirementsFor("taxi"))
}

func TestCollaboratorErrorClassification(t *testing.T) {
	transient := Transient("sarvam", "tts", errors.New("timeout"))
	assert.ErrorIs(t, transient, ErrTransientCollaborator)

	permanent := Permanent("sarvam", "tts", 401, errors.New("bad key"))
	assert.NotErrorIs(t, permanent, ErrTransientCollaborator)
	assert.Contains(t, permanent.Error(), "status 401")
}
