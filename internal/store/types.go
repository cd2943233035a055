package store

import "encoding/json"

// Category classifies what a memory is about
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryFact         Category = "fact"
	CategoryEvent        Category = "event"
	CategoryRelationship Category = "relationship"
	CategoryInsight      Category = "insight"
)

// MemoryKind tracks a memory's lifecycle role
type MemoryKind string

const (
	KindStaticProfile  MemoryKind = "static_profile"
	KindDynamicProfile MemoryKind = "dynamic_profile"
	KindRegular        MemoryKind = "regular"
	KindDerived        MemoryKind = "derived"
	KindSuperseded     MemoryKind = "superseded"
)

// LearnedFrom tags how a derived memory came to exist
type LearnedFrom string

const (
	LearnedSelfReflection    LearnedFrom = "self_reflection"
	LearnedNREMConsolidation LearnedFrom = "nrem_consolidation"
	LearnedDaytimeFusion     LearnedFrom = "daytime_fusion"
	LearnedREMExploration    LearnedFrom = "rem_exploration"
)

// RelationType is the type of a directed memory-to-memory edge
type RelationType string

const (
	RelUpdates RelationType = "UPDATES"
	RelExtends RelationType = "EXTENDS"
	RelDerives RelationType = "DERIVES"
)

// Memory is the core stored entity. Timestamps are epoch milliseconds.
type Memory struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Content      string         `json:"content"`
	Category     Category       `json:"category"`
	Kind         MemoryKind     `json:"kind"`
	Importance   int            `json:"importance"` // 1..10
	Confidence   float64        `json:"confidence"` // 0..1
	IsLatest     bool           `json:"is_latest"`
	DocumentDate int64          `json:"document_date"`
	EventDate    int64          `json:"event_date,omitempty"`
	Prominence   float64        `json:"prominence"` // derived, 0..1
	AccessCount  int            `json:"access_count"`
	LastAccessed int64          `json:"last_accessed,omitempty"`
	Embedding    []float64      `json:"embedding,omitempty"`
	SourceChunk  string         `json:"source_chunk,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	LearnedFrom  LearnedFrom    `json:"learned_from,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// Relation is a directed typed edge between two memories
type Relation struct {
	ID         int64        `json:"id,omitempty"`
	SourceID   string       `json:"source_id"`
	TargetID   string       `json:"target_id"`
	Type       RelationType `json:"type"`
	Confidence float64      `json:"confidence"`
	CreatedAt  int64        `json:"created_at,omitempty"`
}

// MessageRole tags who produced a session message
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolResult MessageRole = "tool_result"
)

// Session groups a conversation's messages
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Summary   string `json:"summary,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// SessionMessage is one turn within a session
type SessionMessage struct {
	ID        int64       `json:"id,omitempty"`
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp int64       `json:"timestamp"`
}

// SessionSummary is a compact per-session recap
type SessionSummary struct {
	SessionID    string   `json:"session_id"`
	UserID       string   `json:"user_id"`
	Summary      string   `json:"summary"`
	Topics       []string `json:"topics,omitempty"`
	MessageCount int      `json:"message_count"`
	DurationMs   int64    `json:"duration_ms"`
	CreatedAt    int64    `json:"created_at"`
}

// ItemSource says who created a scheduled item
type ItemSource string

const (
	SourceUser  ItemSource = "user"
	SourceAgent ItemSource = "agent"
)

// ItemKind chooses the delivery mechanism
type ItemKind string

const (
	ItemNudge ItemKind = "nudge"
	ItemTask  ItemKind = "task"
)

// ItemStatus is the underlying scheduled-item state
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusFired      ItemStatus = "fired"
	StatusActed      ItemStatus = "acted"
	StatusDismissed  ItemStatus = "dismissed"
	StatusExpired    ItemStatus = "expired"
)

// IsTerminal reports whether a status ends an item's life
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case StatusFired, StatusActed, StatusDismissed, StatusExpired:
		return true
	}
	return false
}

// BoardStatus is the kanban column projection
type BoardStatus string

const (
	BoardInbox      BoardStatus = "inbox"
	BoardBacklog    BoardStatus = "backlog"
	BoardScheduled  BoardStatus = "scheduled"
	BoardInProgress BoardStatus = "in_progress"
	BoardWaiting    BoardStatus = "waiting"
	BoardDone       BoardStatus = "done"
	BoardArchived   BoardStatus = "archived"
)

// Priority orders scheduled items for delivery planning
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ScheduledItem is a nudge or task on the board
type ScheduledItem struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	SessionID   string         `json:"session_id,omitempty"`
	Source      ItemSource     `json:"source"`
	Kind        ItemKind       `json:"kind"`
	Type        string         `json:"type"` // reminder, follow_up, goal_checkin, event_prep, ...
	Message     string         `json:"message"`
	Context     string         `json:"context,omitempty"` // opaque JSON from the producer
	TriggerAt   int64          `json:"trigger_at,omitempty"`
	Recurring   string         `json:"recurring,omitempty"` // cron expr or @every duration
	Status      ItemStatus     `json:"status"`
	BoardStatus BoardStatus    `json:"board_status"`
	Priority    Priority       `json:"priority"`
	Labels      []string       `json:"labels,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	GoalID      string         `json:"goal_id,omitempty"`
	TaskConfig  map[string]any `json:"task_config,omitempty"`
	Result      string         `json:"result,omitempty"`
	FiredAt     int64          `json:"fired_at,omitempty"`
	CompletedAt int64          `json:"completed_at,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// ProactivenessDial is the user's coarse control over agent-initiated nudges
type ProactivenessDial string

const (
	DialConservative ProactivenessDial = "conservative"
	DialModerate     ProactivenessDial = "moderate"
	DialEager        ProactivenessDial = "eager"
)

// AffectState is the smoothed emotional read on a user
type AffectState struct {
	Valence    float64 `json:"valence"`
	Arousal    float64 `json:"arousal"`
	Emotion    string  `json:"emotion"`
	GoalSignal string  `json:"goal_signal,omitempty"`
}

// AffectEMA holds fast/slow exponential moving averages of affect
type AffectEMA struct {
	FastValence float64 `json:"fast_valence"`
	FastArousal float64 `json:"fast_arousal"`
	SlowValence float64 `json:"slow_valence"`
	SlowArousal float64 `json:"slow_arousal"`
	LastUpdate  int64   `json:"last_update"`
}

// ResponsePrefs holds the learned delivery preferences
type ResponsePrefs struct {
	TrustScore float64           `json:"trust_score"`
	Dial       ProactivenessDial `json:"proactiveness_dial"`
}

// BehavioralPatterns is the per-user mutable signals record
type BehavioralPatterns struct {
	UserID            string        `json:"user_id"`
	MessageCount      int           `json:"message_count"`
	DailyRate         float64       `json:"daily_rate"`
	PrevDailyRate     float64       `json:"prev_daily_rate"`
	SessionCount      int           `json:"session_count"`
	AvgSessionLength  float64       `json:"avg_session_length"`
	TopicSwitchRate   float64       `json:"topic_switch_rate"`
	AvgResponseLength float64       `json:"avg_response_length"`
	ActiveHours       [24]int       `json:"active_hours"` // message counts per local hour
	Timezone          string        `json:"timezone,omitempty"`
	Affect            AffectState   `json:"affect"`
	AffectEMA         AffectEMA     `json:"affect_ema"`
	Prefs             ResponsePrefs `json:"prefs"`
	LastMessageAt     int64         `json:"last_message_at,omitempty"`
	UpdatedAt         int64         `json:"updated_at"`
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
