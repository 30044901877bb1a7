package earnly

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic Earnly API response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Auth Types
// ============================================================================

// User is the identity carried inside persisted credentials.
type User struct {
	ID          string `json:"id" toml:"id"`
	Username    string `json:"username" toml:"username"`
	Email       string `json:"email,omitempty" toml:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty" toml:"display_name,omitempty"`
}

// Credentials is the persisted auth state: the bearer token used on every
// request, the refresh token used to rotate it, and the user identity that
// rides along unchanged through rotations.
type Credentials struct {
	Token        string `json:"token" toml:"token"`
	RefreshToken string `json:"refreshToken" toml:"refresh_token"`
	User         *User  `json:"user,omitempty" toml:"user,omitempty"`
}

// LoginOptions is the payload for Account.Login.
type LoginOptions struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginData is the response payload of a successful login or refresh.
type LoginData struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	User         *User  `json:"user,omitempty"`
}

// ============================================================================
// Surveys
// ============================================================================

type Survey struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Provider     string  `json:"provider,omitempty"`
	RewardCents  int     `json:"rewardCents"`
	DurationMins int     `json:"durationMins,omitempty"`
	Progress     float64 `json:"progress,omitempty"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"createdAt,omitempty"`
}

// ============================================================================
// Videos
// ============================================================================

type Video struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	DurationSecs int    `json:"durationSecs,omitempty"`
	Likes        int    `json:"likes"`
	Views        int    `json:"views"`
	RewardCents  int    `json:"rewardCents,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

// ============================================================================
// Questions
// ============================================================================

type Question struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	AuthorID    string `json:"authorId,omitempty"`
	Responses   int    `json:"responses"`
	Votes       int    `json:"votes"`
	RewardCents int    `json:"rewardCents,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

type AnswerOptions struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ============================================================================
// Payments
// ============================================================================

type Balance struct {
	AvailableCents int    `json:"availableCents"`
	PendingCents   int    `json:"pendingCents"`
	Currency       string `json:"currency"`
}

type Payment struct {
	ID          string `json:"id"`
	AmountCents int    `json:"amountCents"`
	Currency    string `json:"currency"`
	Method      string `json:"method,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

type PayoutOptions struct {
	AmountCents int    `json:"amountCents"`
	Method      string `json:"method"`
	Destination string `json:"destination,omitempty"`
}

// ============================================================================
// Notifications
// ============================================================================

type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
	Read      bool           `json:"read"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"createdAt,omitempty"`
}

// ============================================================================
// Realtime Event Payloads
// ============================================================================
//
// The realtime core treats payloads as opaque (decoded JSON or raw string);
// these shapes are provided for consumers that want typed access via
// DecodeEventData.

// NotificationEventPayload accompanies notification.* events.
type NotificationEventPayload struct {
	NotificationID string `json:"notificationId"`
	Type           string `json:"type,omitempty"`
	Title          string `json:"title,omitempty"`
}

// QuestionEventPayload accompanies question.* events (responses and votes).
type QuestionEventPayload struct {
	QuestionID string `json:"questionId"`
	UserID     string `json:"userId,omitempty"`
	Votes      int    `json:"votes,omitempty"`
	Responses  int    `json:"responses,omitempty"`
}

// PaymentEventPayload accompanies payment.status events.
type PaymentEventPayload struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
}

// SurveyEventPayload accompanies survey.progress events.
type SurveyEventPayload struct {
	SurveyID string  `json:"surveyId"`
	Progress float64 `json:"progress"`
	Status   string  `json:"status,omitempty"`
}

// VideoEventPayload accompanies video.* engagement events.
type VideoEventPayload struct {
	VideoID string `json:"videoId"`
	Likes   int    `json:"likes,omitempty"`
	Views   int    `json:"views,omitempty"`
}

// LivestreamEventPayload accompanies livestream.* lifecycle and viewer-count
// events.
type LivestreamEventPayload struct {
	StreamID string `json:"streamId"`
	Status   string `json:"status,omitempty"`
	Viewers  int    `json:"viewers,omitempty"`
}

// DecodeEventData converts the loosely typed payload delivered to an event
// handler (a decoded JSON value or raw string) into a concrete payload type.
func DecodeEventData[T any](data any) (*T, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
