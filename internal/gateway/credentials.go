package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/bankgate/pkg/apierror"
	"github.com/nao1215/bankgate/pkg/httpclient"
	"golang.org/x/crypto/bcrypt"
)

// Credentials はログイン・登録時に受け取る認証情報。
type Credentials struct {
	// Identifier はユーザー名またはメールアドレス。
	Identifier string `json:"identifier" binding:"required,max=254"`
	// Secret はパスワード。
	Secret string `json:"secret" binding:"required,max=72"`
}

// normalizedIdentifier は比較用に正規化した識別子を返す。
func (c Credentials) normalizedIdentifier() string {
	return strings.ToLower(strings.TrimSpace(c.Identifier))
}

// CredentialVerifier は認証情報を検証し、ユーザーIDを返す。
// 一致しない場合は apierror.ErrInvalidCredentials を返す。
type CredentialVerifier interface {
	Verify(ctx context.Context, creds Credentials) (string, error)
}

// UserRegistrar はローカルの利用者表にユーザーを登録する。
type UserRegistrar interface {
	Register(ctx context.Context, creds Credentials) (string, error)
}

// LocalCredentials はSQLiteの利用者表とbcryptハッシュで認証情報を検証する。
type LocalCredentials struct {
	db   *sql.DB
	cost int
	// dummyHash は存在しないユーザーでも照合時間を揃えるためのハッシュ。
	dummyHash []byte
}

// NewLocalCredentials は新しいLocalCredentialsを生成する。costが0なら bcrypt.DefaultCost を使う。
func NewLocalCredentials(db *sql.DB, cost int) (*LocalCredentials, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("bankgate-dummy-secret"), cost)
	if err != nil {
		return nil, fmt.Errorf("ダミーハッシュの生成に失敗: %w", err)
	}
	return &LocalCredentials{db: db, cost: cost, dummyHash: dummy}, nil
}

// Register はユーザーを登録し、新しいユーザーIDを返す。
// 識別子が既に使われていれば apierror.ErrConflict を返す。
func (l *LocalCredentials) Register(ctx context.Context, creds Credentials) (string, error) {
	identifier := creds.normalizedIdentifier()
	if identifier == "" || creds.Secret == "" {
		return "", fmt.Errorf("%w: 識別子とパスワードは必須です", apierror.ErrBadRequest)
	}
	if len(creds.Secret) > 72 {
		return "", fmt.Errorf("%w: パスワードは72バイト以内にしてください", apierror.ErrBadRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Secret), l.cost)
	if err != nil {
		return "", fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}

	id := uuid.New().String()
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO users (id, identifier, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		id, identifier, string(hash), time.Now().UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", fmt.Errorf("%w: %s", apierror.ErrConflict, identifier)
		}
		return "", fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return id, nil
}

// Verify は認証情報を検証し、ユーザーIDを返す。
func (l *LocalCredentials) Verify(ctx context.Context, creds Credentials) (string, error) {
	var id, hash string
	err := l.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE identifier = ?`,
		creds.normalizedIdentifier(),
	).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		_ = bcrypt.CompareHashAndPassword(l.dummyHash, []byte(creds.Secret))
		return "", apierror.ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(creds.Secret)); err != nil {
		return "", apierror.ErrInvalidCredentials
	}

	if _, err := l.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return "", fmt.Errorf("最終ログイン日時の更新に失敗: %w", err)
	}
	return id, nil
}

// RemoteCredentials は外部の認証サービスに認証情報の検証を委譲する。
type RemoteCredentials struct {
	client *httpclient.Client
	path   string
}

// DefaultVerifyPath は外部認証サービスの検証エンドポイント。
const DefaultVerifyPath = "/api/auth/verify"

// NewRemoteCredentials は新しいRemoteCredentialsを生成する。
func NewRemoteCredentials(client *httpclient.Client, path string) *RemoteCredentials {
	if path == "" {
		path = DefaultVerifyPath
	}
	return &RemoteCredentials{client: client, path: path}
}

// verifyResponse は外部認証サービスの応答。
type verifyResponse struct {
	UserID string `json:"userId"`
}

// Verify は外部認証サービスに認証情報を送り、ユーザーIDを返す。
// 401/403/404 は認証失敗、それ以外の失敗は転送先の障害として扱う。
func (r *RemoteCredentials) Verify(ctx context.Context, creds Credentials) (string, error) {
	var resp verifyResponse
	err := r.client.PostJSON(ctx, r.path, creds, &resp)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			switch statusErr.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return "", apierror.ErrInvalidCredentials
			}
		}
		return "", fmt.Errorf("%w: 認証サービス: %w", apierror.ErrBadGateway, err)
	}
	if resp.UserID == "" {
		return "", fmt.Errorf("%w: 認証サービスがユーザーIDを返しませんでした", apierror.ErrBadGateway)
	}
	return resp.UserID, nil
}
