package event

import (
	"encoding/json"
	"time"
)

// Type は監査イベントの種類を表す。
type Type string

const (
	// TypeUserRegistered はローカル認証ストアにユーザーが登録されたことを表す。
	TypeUserRegistered Type = "UserRegistered"
	// TypeLoginSucceeded はログインに成功しトークンが発行されたことを表す。
	TypeLoginSucceeded Type = "LoginSucceeded"
	// TypeLoginFailed は認証情報の検証に失敗したことを表す。
	TypeLoginFailed Type = "LoginFailed"
	// TypeTokenRefreshed はリフレッシュトークンで新しいトークンが発行されたことを表す。
	TypeTokenRefreshed Type = "TokenRefreshed"
	// TypeRefreshReplayed は使用済みのリフレッシュトークンが再提示されたことを表す。
	TypeRefreshReplayed Type = "RefreshReplayed"
	// TypeTokenRevoked はログアウト等でトークンが失効したことを表す。
	TypeTokenRevoked Type = "TokenRevoked"
	// TypeRateLimited はレート制限によりリクエストが拒否されたことを表す。
	TypeRateLimited Type = "RateLimited"

	// TypeInstanceRegistered は下流サービスのインスタンスが登録されたことを表す。
	TypeInstanceRegistered Type = "InstanceRegistered"
	// TypeInstanceDeregistered はインスタンスが明示的に登録解除されたことを表す。
	TypeInstanceDeregistered Type = "InstanceDeregistered"
	// TypeInstanceEvicted はハートビート途絶によりインスタンスが削除されたことを表す。
	TypeInstanceEvicted Type = "InstanceEvicted"
)

// Event はGatewayが記録するセキュリティ監査イベント。
// 一度記録したイベントは変更しない。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// Subject は操作したユーザーのID。未認証の場合は空。
	Subject string `json:"subject"`
	// ClientKey はレート制限に使ったクライアントキー（"sub:..." または "ip:..."）。
	ClientKey string `json:"client_key"`
	// Path はリクエストパス。
	Path string `json:"path"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// LoginFailedData はLoginFailedイベントのデータ。
type LoginFailedData struct {
	// Identifier はログインに使われたユーザー名またはメールアドレス。
	Identifier string `json:"identifier"`
	// Reason は失敗理由。
	Reason string `json:"reason"`
}

// TokenData はトークン関連イベントのデータ。
type TokenData struct {
	// TokenID は対象トークンのjti。
	TokenID string `json:"token_id"`
	// TokenType は "access" または "refresh"。
	TokenType string `json:"token_type"`
}

// RateLimitedData はRateLimitedイベントのデータ。
type RateLimitedData struct {
	// Class はエンドポイント種別。
	Class string `json:"class"`
	// Limit はウィンドウあたりの上限。
	Limit int `json:"limit"`
	// ResetAt はウィンドウが終わる日時。
	ResetAt time.Time `json:"reset_at"`
}

// InstanceData はインスタンス関連イベントのデータ。
type InstanceData struct {
	// InstanceID はインスタンスのID。
	InstanceID string `json:"instance_id"`
	// Service はサービス名。
	Service string `json:"service"`
	// Host はホスト名。
	Host string `json:"host"`
	// Port はポート番号。
	Port int `json:"port"`
}
