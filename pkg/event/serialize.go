package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownType は定義されていないイベント種別を指定したことを表す。
var ErrUnknownType = errors.New("不明なイベント種別です")

// knownTypes は記録できるイベント種別。
var knownTypes = []Type{
	TypeUserRegistered,
	TypeLoginSucceeded,
	TypeLoginFailed,
	TypeTokenRefreshed,
	TypeRefreshReplayed,
	TypeTokenRevoked,
	TypeRateLimited,
	TypeInstanceRegistered,
	TypeInstanceDeregistered,
	TypeInstanceEvicted,
}

// Valid は定義済みの種別であればtrueを返す。
func (t Type) Valid() bool {
	return slices.Contains(knownTypes, t)
}

// New は新しい監査イベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされ、nilは空オブジェクトになる。
func New(eventType Type, subject, clientKey, path string, data any) (*Event, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}

	raw := json.RawMessage(`{}`)
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
		}
		raw = b
	}

	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Subject:   subject,
		ClientKey: clientKey,
		Path:      path,
		Data:      raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}
