package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/store"
	"github.com/go-fleetgate/fleetgate/internal/util"

	"github.com/google/uuid"
)

// Actor IDs for events not triggered by an API caller
const (
	ActorSystem = "system"
	ActorHub    = "hub"
)

const (
	auditBatchSize     = 100
	auditFlushInterval = time.Second
	auditWriteTimeout  = 10 * time.Second
	redacted           = "***REDACTED***"
)

// AuditLogEntry is what callers report; actor fields left empty are filled
// from the request context.
type AuditLogEntry struct {
	EventType     models.EventType
	Severity      models.EventSeverity
	ActorID       string
	ActorRole     string
	ActorIP       string
	ResourceType  models.ResourceType
	ResourceID    string
	ResourceName  string
	Action        string
	Details       models.AuditDetails
	Success       bool
	ErrorMessage  string
	UserAgent     string
	RequestPath   string
	RequestMethod string
}

// AuditService records append-only audit events. Log hands entries to a
// single writer goroutine that owns the pending batch; LogSync writes
// through for ownership changes, which must not be lost.
type AuditService struct {
	store   *store.Store
	enabled bool

	entries chan *models.AuditLog
	flushes chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewAuditService(s *store.Store, enabled bool, bufferSize int) *AuditService {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	a := &AuditService{
		store:   s,
		enabled: enabled,
		entries: make(chan *models.AuditLog, bufferSize),
		flushes: make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if !enabled {
		close(a.done)
		log.Println("[Audit] Service is disabled")
		return a
	}
	go a.run()
	log.Printf("[Audit] Service started with buffer size %d", bufferSize)
	return a
}

func (a *AuditService) run() {
	defer close(a.done)
	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	batch := make([]*models.AuditLog, 0, auditBatchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		if err := a.store.CreateAuditLogBatch(ctx, batch); err != nil {
			log.Printf("[Audit] Failed to write batch of %d events: %v", len(batch), err)
		}
		batch = make([]*models.AuditLog, 0, auditBatchSize)
	}
	drain := func() {
		for {
			select {
			case e := <-a.entries:
				batch = append(batch, e)
			default:
				return
			}
		}
	}

	for {
		select {
		case e := <-a.entries:
			if batch = append(batch, e); len(batch) >= auditBatchSize {
				write()
			}
		case <-ticker.C:
			write()
		case ack := <-a.flushes:
			drain()
			write()
			close(ack)
		case <-a.stop:
			drain()
			write()
			return
		}
	}
}

// Log queues an entry; a full buffer drops it with a warning
func (a *AuditService) Log(ctx context.Context, entry AuditLogEntry) {
	if a == nil || !a.enabled {
		return
	}
	select {
	case a.entries <- a.build(ctx, entry):
	default:
		log.Printf("[Audit] WARNING: buffer full, dropping event: %s", entry.Action)
	}
}

// LogSync writes an entry before returning
func (a *AuditService) LogSync(ctx context.Context, entry AuditLogEntry) error {
	if a == nil || !a.enabled {
		return nil
	}
	return a.store.CreateAuditLog(ctx, a.build(ctx, entry))
}

// Flush blocks until every entry queued so far is written
func (a *AuditService) Flush() {
	if a == nil || !a.enabled {
		return
	}
	ack := make(chan struct{})
	select {
	case a.flushes <- ack:
		<-ack
	case <-a.done:
	}
}

// Shutdown writes what is queued and stops the writer
func (a *AuditService) Shutdown(ctx context.Context) error {
	if a == nil || !a.enabled {
		return nil
	}
	a.once.Do(func() { close(a.stop) })
	select {
	case <-a.done:
		log.Println("[Audit] Service shut down gracefully")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit service shutdown timeout: %w", ctx.Err())
	}
}

func (a *AuditService) GetAuditLogs(
	ctx context.Context,
	page store.Page,
	filters store.AuditLogFilters,
) ([]models.AuditLog, store.PageInfo, error) {
	return a.store.GetAuditLogsPaginated(ctx, page, filters)
}

// CleanupOldLogs deletes entries older than retention
func (a *AuditService) CleanupOldLogs(ctx context.Context, retention time.Duration) (int64, error) {
	return a.store.DeleteOldAuditLogs(ctx, time.Now().Add(-retention))
}

func (a *AuditService) build(ctx context.Context, e AuditLogEntry) *models.AuditLog {
	if e.ActorIP == "" {
		e.ActorIP = util.ClientIP(ctx)
	}
	if e.ActorID == "" {
		if p := models.GetPrincipalFromContext(ctx); p != nil {
			e.ActorID, e.ActorRole = p.Subject, p.Role
		} else {
			e.ActorID = ActorSystem
		}
	}
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}

	now := time.Now()
	return &models.AuditLog{
		ID:            uuid.NewString(),
		EventType:     e.EventType,
		EventTime:     now,
		Severity:      e.Severity,
		ActorID:       e.ActorID,
		ActorRole:     e.ActorRole,
		ActorIP:       e.ActorIP,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		ResourceName:  e.ResourceName,
		Action:        e.Action,
		Details:       redactDetails(e.Details),
		Success:       e.Success,
		ErrorMessage:  e.ErrorMessage,
		UserAgent:     e.UserAgent,
		RequestPath:   e.RequestPath,
		RequestMethod: e.RequestMethod,
		CreatedAt:     now,
	}
}

// Identifiers of secrets are shortened; anything naming a secret itself is
// dropped. Matching is on lowercase substrings of the detail key.
var (
	shortenedKeys = []string{"token_id", "transfer_id"}
	secretKeys    = []string{"pairing_code", "reset_code", "nonce", "secret", "token"}
)

func redactDetails(details models.AuditDetails) models.AuditDetails {
	if details == nil {
		return nil
	}
	out := make(models.AuditDetails, len(details))
	for key, value := range details {
		switch k := strings.ToLower(key); {
		case containsAny(k, shortenedKeys):
			if s, ok := value.(string); ok && len(s) > 12 {
				value = s[:8] + "..." + s[len(s)-4:]
			}
		case containsAny(k, secretKeys):
			value = redacted
		}
		out[key] = value
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
