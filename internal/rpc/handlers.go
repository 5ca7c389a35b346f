package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"sasd/internal/storage"
	"sasd/internal/timefmt"
)

func (s *Server) buildRoutes() map[string]map[string]handlerFunc {
	return map[string]map[string]handlerFunc{
		"template": {
			"get":    s.templateGet,
			"add":    s.templateAdd,
			"alter":  s.templateAlter,
			"remove": s.templateRemove,
		},
		"people": {
			"get":    s.peopleGet,
			"add":    s.peopleAdd,
			"alter":  s.peopleAlter,
			"remove": s.peopleRemove,
		},
		"rule": {
			"get":    s.ruleGet,
			"add":    s.ruleAdd,
			"alter":  s.ruleAlter,
			"remove": s.ruleRemove,
		},
		"users": {
			"login": s.userLogin,
			"alter": s.userAlter,
		},
		"timezone": {
			"get":   s.settingGet(storage.SettingTimezone, "timezone"),
			"alter": s.timezoneAlter,
		},
		"sms-api-key": {
			"get":   s.settingGet(storage.SettingAPIKey, "api-key"),
			"alter": s.settingAlter(storage.SettingAPIKey, "api-key", true),
		},
		"telephone": {
			"get":   s.settingGet(storage.SettingTelephone, "telephone"),
			"alter": s.settingAlter(storage.SettingTelephone, "telephone", true),
		},
	}
}

var errIDRequired = errors.New("id parameter required")

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("invalid parameters: %w", err)
	}
	return v, nil
}

type idParam struct {
	ID *int64 `json:"id"`
}

func requireID(raw json.RawMessage) (int64, error) {
	p, err := decode[idParam](raw)
	if err != nil {
		return 0, err
	}
	if p.ID == nil || *p.ID <= 0 {
		return 0, errIDRequired
	}
	return *p.ID, nil
}

// ---- templates ----

func (s *Server) templateGet(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	q, err := decode[window](raw)
	if err != nil {
		return nil, err
	}
	out := []templateWire{}
	if q.ID != nil {
		t, err := s.store.GetTemplate(ctx, *q.ID)
		if err == nil {
			out = append(out, templateToWire(t))
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	} else {
		list, err := s.store.ListTemplates(ctx, q.Limit, q.Offset)
		if err != nil {
			return nil, err
		}
		for _, t := range list {
			out = append(out, templateToWire(t))
		}
	}
	return results(out), nil
}

func (s *Server) templateAdd(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	w, err := decode[templateWire](raw)
	if err != nil {
		return nil, err
	}
	t, err := w.toTemplate()
	if err != nil {
		return nil, err
	}
	id, err := s.store.AddTemplate(ctx, t)
	if err != nil {
		return nil, err
	}
	return addedID(id), nil
}

func (s *Server) templateAlter(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	w, err := decode[templateWire](raw)
	if err != nil {
		return nil, err
	}
	if w.ID <= 0 {
		return nil, errIDRequired
	}
	t, err := w.toTemplate()
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateTemplate(ctx, t); err != nil {
		return nil, err
	}
	return okStatus(), nil
}

func (s *Server) templateRemove(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	id, err := requireID(raw)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		return nil, err
	}
	return okStatus(), nil
}

// ---- people ----

func (s *Server) peopleGet(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	q, err := decode[window](raw)
	if err != nil {
		return nil, err
	}
	out := []personWire{}
	if q.ID != nil {
		p, err := s.store.GetPerson(ctx, *q.ID)
		if err == nil {
			out = append(out, personToWire(p))
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	} else {
		list, err := s.store.ListPeople(ctx, q.Limit, q.Offset)
		if err != nil {
			return nil, err
		}
		for _, p := range list {
			out = append(out, personToWire(p))
		}
	}
	return results(out), nil
}

func (s *Server) peopleAdd(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	w, err := decode[personWire](raw)
	if err != nil {
		return nil, err
	}
	p, err := w.toPerson()
	if err != nil {
		return nil, err
	}
	id, err := s.store.AddPerson(ctx, p)
	if err != nil {
		return nil, err
	}
	return addedID(id), nil
}

func (s *Server) peopleAlter(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	w, err := decode[personWire](raw)
	if err != nil {
		return nil, err
	}
	if w.ID <= 0 {
		return nil, errIDRequired
	}
	p, err := w.toPerson()
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdatePerson(ctx, p); err != nil {
		return nil, err
	}
	return okStatus(), nil
}

func (s *Server) peopleRemove(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	id, err := requireID(raw)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeletePerson(ctx, id); err != nil {
		return nil, err
	}
	return okStatus(), nil
}

// ---- rules ----

func (s *Server) ruleGet(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	q, err := decode[window](raw)
	if err != nil {
		return nil, err
	}
	loc := s.store.Location()
	out := []ruleWire{}
	if q.ID != nil {
		r, err := s.store.GetRule(ctx, *q.ID)
		if err == nil {
			out = append(out, ruleToWire(r, loc))
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	} else {
		list, err := s.store.ListRules(ctx, q.Limit, q.Offset)
		if err != nil {
			return nil, err
		}
		for _, r := range list {
			out = append(out, ruleToWire(r, loc))
		}
	}
	return results(out), nil
}

func (s *Server) ruleAdd(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	w, err := decode[ruleWire](raw)
	if err != nil {
		return nil, err
	}
	r, err := w.toRule(ctx, s.store)
	if err != nil {
		return nil, err
	}
	id, err := s.store.AddRule(ctx, r)
	if err != nil {
		return nil, err
	}
	if s.hooks.RuleChanged != nil {
		if err := s.hooks.RuleChanged(ctx, id); err != nil {
			return nil, err
		}
	}
	return addedID(id), nil
}

func (s *Server) ruleAlter(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	w, err := decode[ruleWire](raw)
	if err != nil {
		return nil, err
	}
	if w.ID <= 0 {
		return nil, errIDRequired
	}
	r, err := w.toRule(ctx, s.store)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateRule(ctx, r); err != nil {
		return nil, err
	}
	if s.hooks.RuleChanged != nil {
		if err := s.hooks.RuleChanged(ctx, w.ID); err != nil {
			return nil, err
		}
	}
	return okStatus(), nil
}

func (s *Server) ruleRemove(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	id, err := requireID(raw)
	if err != nil {
		return nil, err
	}
	// Deregister first so no task can outlive (or recreate interest
	// in) the storage row.
	if s.hooks.RuleRemoving != nil {
		s.hooks.RuleRemoving(ctx, id)
	}
	if err := s.store.DeleteRule(ctx, id); err != nil {
		return nil, err
	}
	return okStatus(), nil
}

// ---- users ----

func (s *Server) userLogin(context.Context, storage.User, json.RawMessage) (response, error) {
	// Authentication already ran in dispatch; reaching here means the
	// credentials were valid.
	return okStatus(), nil
}

type userAlterParams struct {
	NewUsername string `json:"new_username"`
	NewPassword string `json:"new_password"`
}

func (s *Server) userAlter(ctx context.Context, user storage.User, raw json.RawMessage) (response, error) {
	p, err := decode[userAlterParams](raw)
	if err != nil {
		return nil, err
	}
	if p.NewUsername == "" || p.NewPassword == "" {
		return nil, errors.New("new_username and new_password required")
	}
	user.Username = p.NewUsername
	if err := s.sec.SetPassword(ctx, &user, p.NewPassword); err != nil {
		return nil, err
	}
	return okStatus(), nil
}

// ---- settings ----

func (s *Server) settingGet(key, field string) handlerFunc {
	return func(ctx context.Context, _ storage.User, _ json.RawMessage) (response, error) {
		v, err := s.store.GetSetting(ctx, key)
		if err != nil {
			return nil, err
		}
		return response{field: v}, nil
	}
}

func (s *Server) settingAlter(key, field string, senderHook bool) handlerFunc {
	return func(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
		var params map[string]string
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
		v, ok := params[field]
		if !ok {
			return nil, fmt.Errorf("%s parameter required", field)
		}
		if err := s.store.SetSetting(ctx, key, v); err != nil {
			return nil, err
		}
		if senderHook && s.hooks.SenderChanged != nil {
			if err := s.hooks.SenderChanged(ctx); err != nil {
				return nil, err
			}
		}
		return okStatus(), nil
	}
}

func (s *Server) timezoneAlter(ctx context.Context, _ storage.User, raw json.RawMessage) (response, error) {
	var params map[string]string
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	name, ok := params["timezone"]
	if !ok {
		return nil, errors.New("timezone parameter required")
	}
	// Validate before persisting; a bad zone must not wedge startup.
	if _, err := timefmt.LoadLocation(name); err != nil {
		return nil, err
	}
	if err := s.store.SetSetting(ctx, storage.SettingTimezone, name); err != nil {
		return nil, err
	}
	if s.hooks.TimezoneChanged != nil {
		if err := s.hooks.TimezoneChanged(ctx, name); err != nil {
			return nil, err
		}
	}
	return okStatus(), nil
}
