// Package portfolio manages the subjects and registrations of the
// monitoring account. Every id is validated locally before any remote call.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

// API is the upstream surface used by the manager.
type API interface {
	AddSubject(ctx context.Context, ref, duns string) error
	RemoveSubject(ctx context.Context, ref, duns string) error
	AddSubjects(ctx context.Context, ref string, duns []string) error
	RemoveSubjects(ctx context.Context, ref string, duns []string) error
	ExportSubjects(ctx context.Context, ref string) ([]string, error)
	SubjectStatus(ctx context.Context, ref, duns string) (map[string]any, error)

	CreateRegistration(ctx context.Context, reg domain.Registration) error
	Registration(ctx context.Context, ref string) (domain.Registration, error)
	Activate(ctx context.Context, ref string) error
	Suppress(ctx context.Context, ref string) error
}

type Manager struct {
	api API
	log logx.Logger
}

func New(api API, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{api: api, log: log.Component("portfolio")}
}

// Rejection is an id refused by local validation.
type Rejection struct {
	DUNS string `json:"duns"`
	Err  string `json:"error"`
}

// BatchResult reports a batch operation. Submitted ids were accepted by the
// upstream; on a remote failure every valid id is in Failed instead and Err
// holds the cause.
type BatchResult struct {
	Submitted []string    `json:"submitted,omitempty"`
	Rejected  []Rejection `json:"rejected,omitempty"`
	Failed    []string    `json:"failed,omitempty"`
	Err       error       `json:"-"`
}

func (m *Manager) Add(ctx context.Context, ref, duns string) error {
	if err := validate(ref, duns); err != nil {
		return err
	}
	if err := m.api.AddSubject(ctx, ref, duns); err != nil {
		return fmt.Errorf("add %s to %s: %w", duns, ref, err)
	}
	m.log.Info("subject added", logx.Registration(ref), logx.String("duns", duns))
	return nil
}

func (m *Manager) Remove(ctx context.Context, ref, duns string) error {
	if err := validate(ref, duns); err != nil {
		return err
	}
	if err := m.api.RemoveSubject(ctx, ref, duns); err != nil {
		return fmt.Errorf("remove %s from %s: %w", duns, ref, err)
	}
	m.log.Info("subject removed", logx.Registration(ref), logx.String("duns", duns))
	return nil
}

func (m *Manager) BatchAdd(ctx context.Context, ref string, ids []string) (BatchResult, error) {
	return m.batch(ctx, "add", ref, ids, m.api.AddSubjects)
}

func (m *Manager) BatchRemove(ctx context.Context, ref string, ids []string) (BatchResult, error) {
	return m.batch(ctx, "remove", ref, ids, m.api.RemoveSubjects)
}

func (m *Manager) batch(ctx context.Context, op, ref string, ids []string, call func(context.Context, string, []string) error) (BatchResult, error) {
	if err := domain.ValidateReference(ref); err != nil {
		return BatchResult{}, err
	}
	valid, rejected := Partition(ids)
	res := BatchResult{Rejected: rejected}
	for _, r := range rejected {
		m.log.Warn("rejected subject", logx.Registration(ref), logx.String("duns", r.DUNS), logx.String("err", r.Err))
	}
	if len(valid) == 0 {
		return res, nil
	}
	if err := call(ctx, ref, valid); err != nil {
		res.Failed = valid
		res.Err = err
		m.log.Error("batch "+op+" failed", logx.Registration(ref), logx.Int("count", len(valid)), logx.Err(err))
		return res, fmt.Errorf("batch %s on %s: %w", op, ref, err)
	}
	res.Submitted = valid
	m.log.Info("batch "+op+" submitted",
		logx.Registration(ref), logx.Int("submitted", len(valid)), logx.Int("rejected", len(rejected)))
	return res, nil
}

// Partition trims ids, drops duplicates and splits them into valid DUNS
// (input order) and rejections.
func Partition(ids []string) (valid []string, rejected []Rejection) {
	seen := make(map[string]bool, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := domain.ValidateDUNS(id); err != nil {
			rejected = append(rejected, Rejection{DUNS: id, Err: err.Error()})
			continue
		}
		valid = append(valid, id)
	}
	return valid, rejected
}

func (m *Manager) Export(ctx context.Context, ref string) ([]string, error) {
	if err := domain.ValidateReference(ref); err != nil {
		return nil, err
	}
	return m.api.ExportSubjects(ctx, ref)
}

func (m *Manager) SubjectStatus(ctx context.Context, ref, duns string) (map[string]any, error) {
	if err := validate(ref, duns); err != nil {
		return nil, err
	}
	return m.api.SubjectStatus(ctx, ref, duns)
}

// CreateRegistration validates and submits reg, then adds its subjects in
// one batch. The registration stays suppressed until Activate.
func (m *Manager) CreateRegistration(ctx context.Context, reg domain.Registration) (BatchResult, error) {
	reg.Normalize()
	if err := reg.Validate(); err != nil {
		return BatchResult{}, err
	}
	if err := m.api.CreateRegistration(ctx, reg); err != nil {
		return BatchResult{}, fmt.Errorf("create %s: %w", reg.Reference, err)
	}
	m.log.Info("registration created", logx.Registration(reg.Reference), logx.Strings("data_blocks", reg.DataBlocks))
	if len(reg.Subjects) == 0 {
		return BatchResult{}, nil
	}
	return m.BatchAdd(ctx, reg.Reference, reg.Subjects)
}

func (m *Manager) Registration(ctx context.Context, ref string) (domain.Registration, error) {
	if err := domain.ValidateReference(ref); err != nil {
		return domain.Registration{}, err
	}
	return m.api.Registration(ctx, ref)
}

func (m *Manager) Activate(ctx context.Context, ref string) error {
	if err := domain.ValidateReference(ref); err != nil {
		return err
	}
	if err := m.api.Activate(ctx, ref); err != nil {
		return err
	}
	m.log.Info("registration activated", logx.Registration(ref))
	return nil
}

func (m *Manager) Suppress(ctx context.Context, ref string) error {
	if err := domain.ValidateReference(ref); err != nil {
		return err
	}
	if err := m.api.Suppress(ctx, ref); err != nil {
		return err
	}
	m.log.Info("registration suppressed", logx.Registration(ref))
	return nil
}

func validate(ref, duns string) error {
	return errors.Join(domain.ValidateReference(ref), domain.ValidateDUNS(duns))
}
