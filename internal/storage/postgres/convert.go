package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/aemholland/e14z/internal/domain"
)

func toToolModel(rec *domain.ToolRecord) (ToolModel, error) {
	directives, err := json.Marshal(nonNil(rec.InstallDirectives))
	if err != nil {
		return ToolModel{}, fmt.Errorf("encoding install directives: %w", err)
	}
	hints, _ := json.Marshal(nonNil(rec.ExecutableHints))
	env, _ := json.Marshal(nonNil(rec.RequiredEnv))
	return ToolModel{
		ID:                uuid.New(),
		Identifier:        rec.Identifier,
		Name:              rec.Name,
		Description:       rec.Description,
		AuthMethod:        rec.AuthMethod,
		InstallDirectives: string(directives),
		ExecutableHints:   string(hints),
		RequiredEnv:       string(env),
	}, nil
}

func toToolDomain(m *ToolModel) (*domain.ToolRecord, error) {
	rec := &domain.ToolRecord{
		Identifier:  m.Identifier,
		Name:        m.Name,
		Description: m.Description,
		AuthMethod:  m.AuthMethod,
		UpdatedAt:   m.UpdatedAt,
	}
	if err := unmarshalColumn(m.InstallDirectives, &rec.InstallDirectives); err != nil {
		return nil, fmt.Errorf("decoding install directives of %s: %w", m.Identifier, err)
	}
	if err := unmarshalColumn(m.ExecutableHints, &rec.ExecutableHints); err != nil {
		return nil, fmt.Errorf("decoding executable hints of %s: %w", m.Identifier, err)
	}
	if err := unmarshalColumn(m.RequiredEnv, &rec.RequiredEnv); err != nil {
		return nil, fmt.Errorf("decoding required env of %s: %w", m.Identifier, err)
	}
	return rec, nil
}

func unmarshalColumn(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
