package store

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/spigell/wa-interviewer/internal/phone"
)

// Fixture is the YAML document accepted by Seed.
type Fixture struct {
	Tenants []TenantFixture `yaml:"tenants"`
}

type TenantFixture struct {
	ID          string      `yaml:"id"`
	CountryCode string      `yaml:"country_code"`
	Candidates  []Candidate `yaml:"candidates"`
	Lists       []List      `yaml:"lists"`
	Jobs        []Job       `yaml:"jobs"`
	Selections  []Selection `yaml:"selections"`
}

// LoadFixture reads a fixture file. Unknown keys are rejected.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	return ParseFixture(data)
}

func ParseFixture(data []byte) (*Fixture, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f Fixture
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return &f, nil
}

// Seed upserts every record of the fixture. Candidate phones are normalized
// with the tenant's country code; candidates with invalid phones are skipped.
func (s *Store) Seed(ctx context.Context, f *Fixture) error {
	for _, tenant := range f.Tenants {
		if err := required(tenant.ID); err != nil {
			return fmt.Errorf("seed tenant: %w", err)
		}
		log := s.logger.With(zap.String("tenant_id", tenant.ID))

		for _, c := range tenant.Candidates {
			normalized, err := phone.Normalize(c.Phone, tenant.CountryCode)
			if err != nil {
				log.Warn("skip candidate with invalid phone", zap.String("candidate", c.ID), zap.Error(err))
				continue
			}
			c.TenantID = tenant.ID
			c.Phone = normalized
			if err := s.UpsertCandidate(ctx, c); err != nil {
				return err
			}
		}

		for _, l := range tenant.Lists {
			l.TenantID = tenant.ID
			if err := s.UpsertList(ctx, l); err != nil {
				return err
			}
		}

		for _, j := range tenant.Jobs {
			j.TenantID = tenant.ID
			if err := s.UpsertJob(ctx, j); err != nil {
				return err
			}
		}

		for _, sel := range tenant.Selections {
			sel.TenantID = tenant.ID
			if err := s.UpsertSelection(ctx, sel); err != nil {
				return err
			}
		}

		log.Info("tenant seeded",
			zap.Int("candidates", len(tenant.Candidates)),
			zap.Int("lists", len(tenant.Lists)),
			zap.Int("jobs", len(tenant.Jobs)),
			zap.Int("selections", len(tenant.Selections)),
		)
	}

	return nil
}
