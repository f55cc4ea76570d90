package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/bankgate/pkg/event"
	"github.com/nao1215/bankgate/pkg/registry"
)

const (
	// defaultAuditLimit は監査ログ一覧の既定の取得件数。
	defaultAuditLimit = 50
	// maxAuditLimit は監査ログ一覧の最大取得件数。
	maxAuditLimit = 500
)

// AuditLog はセキュリティ監査イベントをSQLiteに記録する。
// 記録の失敗はリクエスト処理を止めず、ログに残すだけにする。
type AuditLog struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditLog は新しいAuditLogを生成する。
func NewAuditLog(db *sql.DB, logger *slog.Logger) *AuditLog {
	return &AuditLog{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Record はイベントを記録する。
func (a *AuditLog) Record(ctx context.Context, eventType event.Type, subject, clientKey, path string, data any) {
	e, err := event.New(eventType, subject, clientKey, path, data)
	if err != nil {
		a.logger.ErrorContext(ctx, "監査イベントの生成に失敗", slog.String("type", string(eventType)), slog.Any("error", err))
		return
	}
	e.CreatedAt = a.now().UTC()

	if err := a.insert(ctx, e); err != nil {
		a.logger.ErrorContext(ctx, "監査イベントの保存に失敗", slog.String("event_id", e.ID), slog.Any("error", err))
		return
	}
	a.logger.InfoContext(ctx, "audit",
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("subject", e.Subject),
		slog.String("client_key", e.ClientKey),
		slog.String("path", e.Path),
	)
}

// RecordInstance はインスタンスの登録・登録解除・削除を記録する。
func (a *AuditLog) RecordInstance(ctx context.Context, eventType event.Type, path string, inst registry.Instance) {
	a.Record(ctx, eventType, "", "", path, instanceData(inst))
}

// instanceData は監査記録用にインスタンスの情報を変換する。
func instanceData(inst registry.Instance) event.InstanceData {
	return event.InstanceData{
		InstanceID: inst.ID,
		Service:    inst.Service,
		Host:       inst.Host,
		Port:       inst.Port,
	}
}

func (a *AuditLog) insert(ctx context.Context, e *event.Event) error {
	// リクエストが中断されても記録は残す
	ctx = context.WithoutCancel(ctx)
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, subject, client_key, path, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Subject, e.ClientKey, e.Path, string(e.Data), e.CreatedAt,
	)
	return err
}

// List は新しい順にイベントを最大limit件返す。eventTypeが空でなければ種類で絞り込む。
func (a *AuditLog) List(ctx context.Context, eventType event.Type, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	limit = min(limit, maxAuditLimit)

	query := `SELECT id, type, subject, client_key, path, data, created_at FROM audit_events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("監査イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []event.Event{}
	for rows.Next() {
		var (
			e    event.Event
			typ  string
			data string
		)
		if err := rows.Scan(&e.ID, &typ, &e.Subject, &e.ClientKey, &e.Path, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("監査イベントの読み取りに失敗: %w", err)
		}
		e.Type = event.Type(typ)
		e.Data = []byte(data)
		events = append(events, e)
	}
	return events, rows.Err()
}
