// Package journal models entries consumed from the external journal
// collaborator. Entries are read-only here; this service only derives
// text representations for indexing.
package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates journal entry variants.
type Kind string

const (
	KindMeal       Kind = "meal"
	KindHabit      Kind = "habit"
	KindMovement   Kind = "movement"
	KindPractice   Kind = "practice"
	KindReflection Kind = "reflection"
)

// Payload is the typed content of an entry. Each variant knows how to
// render itself as text for embedding.
type Payload interface {
	Kind() Kind
	ToText() string
}

// MealPayload describes a logged meal.
type MealPayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Ingredients []string `json:"ingredients,omitempty"`
	Calories    int      `json:"calories,omitempty"`
}

func (p MealPayload) Kind() Kind { return KindMeal }

func (p MealPayload) ToText() string {
	var b strings.Builder
	b.WriteString("Meal: " + p.Name)
	if p.Description != "" {
		b.WriteString(". " + p.Description)
	}
	if len(p.Ingredients) > 0 {
		b.WriteString(". Ingredients: " + strings.Join(p.Ingredients, ", "))
	}
	if p.Calories > 0 {
		fmt.Fprintf(&b, ". Calories: %d", p.Calories)
	}
	return b.String()
}

// HabitPayload describes a habit check-in.
type HabitPayload struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
	Streak    int    `json:"streak,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

func (p HabitPayload) Kind() Kind { return KindHabit }

func (p HabitPayload) ToText() string {
	var b strings.Builder
	b.WriteString("Habit: " + p.Name)
	if p.Completed {
		b.WriteString(". Completed")
	} else {
		b.WriteString(". Not completed")
	}
	if p.Streak > 0 {
		fmt.Fprintf(&b, ". Streak: %d days", p.Streak)
	}
	if p.Notes != "" {
		b.WriteString(". " + p.Notes)
	}
	return b.String()
}

// MovementPayload describes physical activity.
type MovementPayload struct {
	Activity        string `json:"activity"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	Intensity       string `json:"intensity,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

func (p MovementPayload) Kind() Kind { return KindMovement }

func (p MovementPayload) ToText() string {
	var b strings.Builder
	b.WriteString("Movement: " + p.Activity)
	if p.DurationMinutes > 0 {
		fmt.Fprintf(&b, ". Duration: %d minutes", p.DurationMinutes)
	}
	if p.Intensity != "" {
		b.WriteString(". Intensity: " + p.Intensity)
	}
	if p.Notes != "" {
		b.WriteString(". " + p.Notes)
	}
	return b.String()
}

// PracticePayload describes a wellness practice session.
type PracticePayload struct {
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

func (p PracticePayload) Kind() Kind { return KindPractice }

func (p PracticePayload) ToText() string {
	var b strings.Builder
	b.WriteString("Practice: " + p.Name)
	if p.DurationMinutes > 0 {
		fmt.Fprintf(&b, ". Duration: %d minutes", p.DurationMinutes)
	}
	if p.Notes != "" {
		b.WriteString(". " + p.Notes)
	}
	return b.String()
}

// ReflectionPayload is a free-form journal reflection.
type ReflectionPayload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
	Mood  string `json:"mood,omitempty"`
}

func (p ReflectionPayload) Kind() Kind { return KindReflection }

func (p ReflectionPayload) ToText() string {
	var b strings.Builder
	b.WriteString("Reflection")
	if p.Title != "" {
		b.WriteString(": " + p.Title)
	}
	if p.Mood != "" {
		b.WriteString(". Mood: " + p.Mood)
	}
	if p.Body != "" {
		b.WriteString(". " + p.Body)
	}
	return b.String()
}

// RawPayload carries the payload of an entry kind this version does not
// know. Its text is the raw JSON, so unknown kinds still index rather
// than failing the job.
type RawPayload struct {
	EntryKind Kind
	Raw       json.RawMessage
}

func (p RawPayload) Kind() Kind { return p.EntryKind }

func (p RawPayload) ToText() string {
	return string(p.Raw)
}

// Entry is a journal entry as consumed from the collaborator.
type Entry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	EntryKind  Kind      `json:"entry_type"`
	Payload    Payload   `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Text returns the entry's text representation for embedding.
func (e Entry) Text() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.ToText()
}

// Known reports whether the entry kind has a typed payload variant.
func (e Entry) Known() bool {
	_, ok := e.Payload.(RawPayload)
	return e.Payload != nil && !ok
}

// entryWire is the collaborator's JSON shape.
type entryWire struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	EntryType  Kind            `json:"entry_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
}

// UnmarshalJSON decodes an entry, dispatching the payload to the
// variant matching entry_type. Unknown kinds decode to RawPayload.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var wire entryWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	payload, err := decodePayload(wire.EntryType, wire.Payload)
	if err != nil {
		return fmt.Errorf("decoding %s payload for entry %s: %w", wire.EntryType, wire.ID, err)
	}

	*e = Entry{
		ID:         wire.ID,
		UserID:     wire.UserID,
		EntryKind:  wire.EntryType,
		Payload:    payload,
		CreatedAt:  wire.CreatedAt,
		ModifiedAt: wire.ModifiedAt,
	}
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	switch kind {
	case KindMeal:
		var p MealPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindHabit:
		var p HabitPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindMovement:
		var p MovementPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindPractice:
		var p PracticePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindReflection:
		var p ReflectionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return RawPayload{EntryKind: kind, Raw: raw}, nil
	}
}
