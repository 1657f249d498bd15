// Package write implements the Writer / Admission component of spec
// §4.H: validate, token-count, embed, persist to the appropriate tier,
// all-or-nothing.
package write

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkoukk/tiktoken-go"

	"hcsr/internal/config"
	"hcsr/internal/domain"
	"hcsr/internal/embedding"
	"hcsr/internal/l1"
	"hcsr/internal/tier"
)

// Writer implements store/update/delete admission. Grounded on the
// teacher's vector.Store.Store/StoreBatch (embed-then-persist shape) but
// diverges on failure handling: the teacher tolerates embedding failure
// by storing without a vector, while spec §4.H requires the write to be
// all-or-nothing, so a failed embed here aborts the whole operation.
type Writer struct {
	l1        *l1.Store
	shortTerm *tier.Collection
	longTerm  *tier.Collection
	embedder  embedding.Client
	cfg       config.WriterConfig

	tiktokEnc *tiktoken.Tiktoken
}

// New builds a Writer. If cfg.UseTiktokenizer is set, it eagerly loads
// the named tiktoken encoding; a failure to load falls back to the
// chars/4 heuristic rather than failing construction.
func New(l1Store *l1.Store, shortTerm, longTerm *tier.Collection, embedder embedding.Client, cfg config.WriterConfig) *Writer {
	w := &Writer{l1: l1Store, shortTerm: shortTerm, longTerm: longTerm, embedder: embedder, cfg: cfg}
	if cfg.UseTiktokenizer {
		model := cfg.TiktokenizerModelName
		if model == "" {
			model = "cl100k_base"
		}
		if enc, err := tiktoken.GetEncoding(model); err == nil {
			w.tiktokEnc = enc
		}
	}
	return w
}

// generateID mints a fresh entropy source per call rather than sharing one
// *rand.Rand across goroutines — spec §5 explicitly models concurrent
// store calls, and *rand.Rand is not safe for concurrent use. Grounded on
// the teacher's cronjob.manager id generation
// (ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)), same
// per-call construction.
func generateID(now time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// Store implements spec §4.H's store(text, tier, metadata) -> id.
func (w *Writer) Store(ctx context.Context, text string, t domain.Tier, agentID, sessionID string, metadata domain.Metadata) (string, error) {
	if err := domain.ValidateText(text); err != nil {
		return "", err
	}
	if err := domain.ValidateMetadata(metadata); err != nil {
		return "", err
	}
	if err := domain.ValidateTier(t); err != nil {
		return "", err
	}
	if agentID == "" {
		agentID = "default"
	}

	tokenCount := w.tokenCount(text)
	now := time.Now().UTC()

	vec, err := w.embedder.EmbedOne(ctx, text)
	if err != nil {
		return "", domain.WrapOp("Writer.Store", err)
	}

	item := domain.ContextItem{
		ID:         generateID(now),
		Text:       text,
		Tier:       t,
		Embedding:  vec,
		CreatedAt:  now,
		TokenCount: tokenCount,
		AgentID:    agentID,
		SessionID:  sessionID,
		Metadata:   metadata,
	}

	switch t {
	case domain.Immediate:
		if w.cfg.ImmediateMirror {
			if err := w.shortTerm.Upsert(ctx, item); err != nil {
				return "", domain.WrapOp("Writer.Store", err)
			}
		}
		w.l1.Insert(item)
	case domain.ShortTerm:
		if err := w.shortTerm.Upsert(ctx, item); err != nil {
			return "", domain.WrapOp("Writer.Store", err)
		}
	case domain.LongTerm:
		if err := w.longTerm.Upsert(ctx, item); err != nil {
			return "", domain.WrapOp("Writer.Store", err)
		}
	}

	return item.ID, nil
}

// tokenCount implements spec §4.H point 2: ceil(len_chars/charsPerToken)
// by default, or an exact tiktoken count when configured.
func (w *Writer) tokenCount(text string) int {
	if w.tiktokEnc != nil {
		n := len(w.tiktokEnc.Encode(text, nil, nil))
		if n < 1 {
			n = 1
		}
		return n
	}
	ratio := w.cfg.CharsPerToken
	if ratio <= 0 {
		ratio = 4.0
	}
	n := int(math.Ceil(float64(len([]rune(text))) / ratio))
	if n < 1 {
		n = 1
	}
	return n
}

// Get locates an item by id: L1 first, then short_term, then long_term.
func (w *Writer) Get(ctx context.Context, id string) (domain.ContextItem, error) {
	if item, ok := w.l1.Get(id); ok {
		return item, nil
	}
	if item, found, err := w.shortTerm.Get(ctx, id); err != nil {
		return domain.ContextItem{}, domain.WrapOp("Writer.Get", err)
	} else if found {
		return item, nil
	}
	if item, found, err := w.longTerm.Get(ctx, id); err != nil {
		return domain.ContextItem{}, domain.WrapOp("Writer.Get", err)
	} else if found {
		return item, nil
	}
	return domain.ContextItem{}, domain.NewSubSystemError("write", "Get", domain.ErrNotFound, id)
}

// Update implements spec §4.H's update(id, metadata): locate L1 first,
// then the collections in order, and merge the new metadata in place.
// text, embedding, tier, created_at, and id are never changed.
func (w *Writer) Update(ctx context.Context, id string, metadata domain.Metadata) error {
	if err := domain.ValidateMetadata(metadata); err != nil {
		return err
	}

	if ok := w.l1.Update(id, func(item domain.ContextItem) domain.ContextItem {
		merged := domain.Metadata{}
		for k, v := range item.Metadata {
			merged[k] = v
		}
		for k, v := range metadata {
			merged[k] = v
		}
		item.Metadata = merged
		return item
	}); ok {
		return nil
	}

	if err := w.shortTerm.UpdateMetadata(ctx, id, metadata); err == nil {
		return nil
	} else if domain.ErrorCodeOf(err) != domain.CodeNotFound {
		return domain.WrapOp("Writer.Update", err)
	}

	if err := w.longTerm.UpdateMetadata(ctx, id, metadata); err != nil {
		if domain.ErrorCodeOf(err) == domain.CodeNotFound {
			return domain.NewSubSystemError("write", "Update", domain.ErrNotFound, id)
		}
		return domain.WrapOp("Writer.Update", err)
	}
	return nil
}

// Delete implements spec §4.H's delete(id): best-effort removal from L1
// and both collections; success iff the item existed somewhere.
func (w *Writer) Delete(ctx context.Context, id string) error {
	existed := false

	if _, ok := w.l1.Get(id); ok {
		w.l1.Remove(id)
		existed = true
	}
	if _, found, _ := w.shortTerm.Get(ctx, id); found {
		if err := w.shortTerm.Delete(ctx, id); err != nil {
			return domain.WrapOp("Writer.Delete", err)
		}
		existed = true
	}
	if _, found, _ := w.longTerm.Get(ctx, id); found {
		if err := w.longTerm.Delete(ctx, id); err != nil {
			return domain.WrapOp("Writer.Delete", err)
		}
		existed = true
	}

	if !existed {
		return domain.NewSubSystemError("write", "Delete", domain.ErrNotFound, id)
	}
	return nil
}
