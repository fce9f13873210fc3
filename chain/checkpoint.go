package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QoobSweet/ex-nihilo-sub000/internal/seal"
	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

// ErrCheckpointNotFound is returned by stores for unknown execution ids.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointRecord is the persisted, bit-exact checkpoint layout.
// Payload is the sealed (encrypted) checkpoint body; Digest is its
// integrity digest, verified before any decryption on load.
type CheckpointRecord struct {
	ExecutionID string    `json:"executionId"`
	Payload     []byte    `json:"encryptedPayload"`
	Digest      string    `json:"integrityDigest"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CheckpointStore defines the storage contract for checkpoint records.
// Implementations: MemoryCheckpointStore (here), plus the file, GORM,
// and Redis backends in the persistence package.
type CheckpointStore interface {
	Put(ctx context.Context, record *CheckpointRecord) error
	Get(ctx context.Context, executionID string) (*CheckpointRecord, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, executionID string) error
}

// checkpointBody is the decrypted checkpoint payload.
type checkpointBody struct {
	Context   *ExecutionContext `msgpack:"context"`
	NextIndex int               `msgpack:"next_index"`
	Results   []StepResult      `msgpack:"results"`
}

// Checkpoint is a restored, usable execution snapshot.
type Checkpoint struct {
	ExecutionID string
	Context     *ExecutionContext
	NextIndex   int
	Results     []StepResult
	CreatedAt   time.Time
}

// CheckpointManager serializes, encrypts, and persists execution state
// after every step commit, and restores it on process start. A failed
// integrity check means "no usable checkpoint": it is reported to the
// caller, never silently trusted or discarded.
type CheckpointManager struct {
	store  CheckpointStore
	sealer *seal.Sealer
	logger *zap.Logger
}

// NewCheckpointManager creates a checkpoint manager. The encryption key
// is supplied out-of-band by the host process.
func NewCheckpointManager(store CheckpointStore, key []byte, logger *zap.Logger) (*CheckpointManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sealer, err := seal.New(key)
	if err != nil {
		return nil, err
	}
	return &CheckpointManager{
		store:  store,
		sealer: sealer,
		logger: logger.With(zap.String("component", "checkpoint_manager")),
	}, nil
}

// Save seals and persists the execution state. Called only after a step's
// result is durably recorded, never mid-step.
func (m *CheckpointManager) Save(ctx context.Context, execCtx *ExecutionContext, nextIndex int, results []StepResult) error {
	id, err := SanitizeExecutionID(execCtx.ExecutionID)
	if err != nil {
		return err
	}

	payload, digest, err := m.sealer.Seal(&checkpointBody{
		Context:   execCtx,
		NextIndex: nextIndex,
		Results:   results,
	})
	if err != nil {
		return err
	}

	record := &CheckpointRecord{
		ExecutionID: id,
		Payload:     payload,
		Digest:      digest,
		CreatedAt:   time.Now(),
	}
	if err := m.store.Put(ctx, record); err != nil {
		return err
	}

	m.logger.Debug("checkpoint saved",
		zap.String("execution_id", id),
		zap.Int("next_index", nextIndex),
		zap.Int("results", len(results)),
	)
	return nil
}

// Load restores a checkpoint. Returns (nil, nil) when none exists;
// returns CHECKPOINT_INTEGRITY when the record fails verification.
func (m *CheckpointManager) Load(ctx context.Context, executionID string) (*Checkpoint, error) {
	id, err := SanitizeExecutionID(executionID)
	if err != nil {
		return nil, err
	}

	record, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrCheckpointNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var body checkpointBody
	if err := m.sealer.Open(record.Payload, record.Digest, &body); err != nil {
		m.logger.Warn("checkpoint failed integrity check, refusing to resume",
			zap.String("execution_id", id),
			zap.Error(err),
		)
		return nil, types.NewCheckpointIntegrityError(id, err)
	}

	return &Checkpoint{
		ExecutionID: id,
		Context:     body.Context,
		NextIndex:   body.NextIndex,
		Results:     body.Results,
		CreatedAt:   record.CreatedAt,
	}, nil
}

// List returns the execution ids with persisted checkpoints.
func (m *CheckpointManager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// Delete removes an execution's checkpoint. Called on terminal status.
func (m *CheckpointManager) Delete(ctx context.Context, executionID string) error {
	id, err := SanitizeExecutionID(executionID)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); errors.Is(err, ErrCheckpointNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	m.logger.Debug("checkpoint deleted", zap.String("execution_id", id))
	return nil
}

// SanitizeExecutionID 白名单校验执行 id，防止路径/键注入。
// 仅允许字母、数字、下划线和连字符，长度 1..128。
func SanitizeExecutionID(id string) (string, error) {
	if id == "" || len(id) > 128 {
		return "", types.NewValidationError("execution id must be 1..128 characters")
	}
	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '_' || ch == '-':
		default:
			return "", types.NewValidationError("execution id contains disallowed character")
		}
	}
	return id, nil
}

// MemoryCheckpointStore 内存检查点存储，用于开发与测试。
type MemoryCheckpointStore struct {
	records map[string]*CheckpointRecord
	mu      sync.RWMutex
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{records: make(map[string]*CheckpointRecord)}
}

func (s *MemoryCheckpointStore) Put(ctx context.Context, record *CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	clone.Payload = append([]byte(nil), record.Payload...)
	s.records[record.ExecutionID] = &clone
	return nil
}

func (s *MemoryCheckpointStore) Get(ctx context.Context, executionID string) (*CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[executionID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	clone := *record
	clone.Payload = append([]byte(nil), record.Payload...)
	return &clone, nil
}

func (s *MemoryCheckpointStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryCheckpointStore) Delete(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[executionID]; !ok {
		return ErrCheckpointNotFound
	}
	delete(s.records, executionID)
	return nil
}
