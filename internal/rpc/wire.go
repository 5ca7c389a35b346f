package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sasd/internal/person"
	"sasd/internal/rule"
	"sasd/internal/storage"
	"sasd/internal/template"
	"sasd/internal/timefmt"
)

// request is one control-API message. Credentials ride on every
// message; there is no session state.
type request struct {
	ID         json.RawMessage `json:"id"`
	Username   string          `json:"username"`
	Password   string          `json:"password"`
	Action     []string        `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
}

type response map[string]any

func okStatus() response         { return response{"status": "success"} }
func addedID(id int64) response  { return response{"added_id": id} }
func results(list any) response  { return response{"results": list} }
func failure(err error) response { return response{"status": "error", "error": err.Error()} }

// window is the shared id/limit/offset query shape.
type window struct {
	ID     *int64 `json:"id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// ---- person wire form ----

type personWire struct {
	ID        int64  `json:"id,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Telephone string `json:"telephone"`
	Address   string `json:"address,omitempty"`
}

func personToWire(p person.Person) personWire {
	return personWire{
		ID:        p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Telephone: p.Telephone,
		Address:   p.Address,
	}
}

func (w personWire) toPerson() (person.Person, error) {
	if w.Telephone == "" {
		return person.Person{}, fmt.Errorf("telephone is required")
	}
	return person.Person{
		ID:        w.ID,
		FirstName: w.FirstName,
		LastName:  w.LastName,
		Telephone: w.Telephone,
		Address:   w.Address,
	}, nil
}

// ---- template wire form ----

type templateWire struct {
	ID      int64  `json:"id,omitempty"`
	Label   string `json:"label,omitempty"`
	Message string `json:"message"`
}

func templateToWire(t *template.Template) templateWire {
	return templateWire{ID: t.ID, Label: t.Label, Message: t.Message()}
}

func (w templateWire) toTemplate() (*template.Template, error) {
	t, err := template.New(w.Message)
	if err != nil {
		return nil, err
	}
	t.ID, t.Label = w.ID, w.Label
	return t, nil
}

// ---- rule wire form ----

// ruleWire references template and recipients by id; interval is
// whole seconds; timestamps use the canonical text format in the
// store's current location.
type ruleWire struct {
	ID           int64   `json:"id,omitempty"`
	Label        string  `json:"label,omitempty"`
	Template     int64   `json:"template"`
	Recipients   []int64 `json:"recipients"`
	StartDate    string  `json:"start_date"`
	EndDate      *string `json:"end_date,omitempty"`
	Interval     int64   `json:"interval"`
	LastExecuted *string `json:"last_executed,omitempty"`
}

func ruleToWire(r *rule.Rule, loc *time.Location) ruleWire {
	w := ruleWire{
		ID:        r.ID(),
		Label:     r.Label(),
		Template:  r.Template().ID,
		StartDate: timefmt.Format(r.StartDate(), loc),
		Interval:  int64(r.Interval() / time.Second),
	}
	for _, p := range r.Recipients() {
		w.Recipients = append(w.Recipients, p.ID)
	}
	if end, ok := r.EndDate(); ok {
		s := timefmt.Format(end, loc)
		w.EndDate = &s
	}
	if last, ok := r.LastExecuted(); ok {
		s := timefmt.Format(last, loc)
		w.LastExecuted = &s
	}
	return w
}

// toRule resolves the template and recipient references through the
// store and builds a validated Rule. A dangling reference is an
// error, not a silent drop.
func (w ruleWire) toRule(ctx context.Context, store storage.Store) (*rule.Rule, error) {
	tmpl, err := store.GetTemplate(ctx, w.Template)
	if err != nil {
		return nil, err
	}
	recipients := make([]person.Person, 0, len(w.Recipients))
	for _, pid := range w.Recipients {
		p, err := store.GetPerson(ctx, pid)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, p)
	}

	loc := store.Location()
	start, err := timefmt.Parse(w.StartDate, loc)
	if err != nil {
		return nil, fmt.Errorf("start_date: %w", err)
	}
	var end, last time.Time
	if w.EndDate != nil && *w.EndDate != "" {
		if end, err = timefmt.Parse(*w.EndDate, loc); err != nil {
			return nil, fmt.Errorf("end_date: %w", err)
		}
	}
	if w.LastExecuted != nil && *w.LastExecuted != "" {
		if last, err = timefmt.Parse(*w.LastExecuted, loc); err != nil {
			return nil, fmt.Errorf("last_executed: %w", err)
		}
	}

	return rule.New(rule.Params{
		ID:           w.ID,
		Label:        w.Label,
		Template:     tmpl,
		Recipients:   recipients,
		StartDate:    start,
		EndDate:      end,
		Interval:     time.Duration(w.Interval) * time.Second,
		LastExecuted: last,
	})
}
