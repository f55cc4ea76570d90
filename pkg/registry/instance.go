package registry

import (
	"net"
	"strconv"
	"time"
)

// Status はインスタンスの稼働状態。
type Status string

const (
	// StatusPassing は正常に稼働している状態。
	StatusPassing Status = "passing"
	// StatusFailing は異常を報告したか、ハートビートが途絶えた状態。
	StatusFailing Status = "failing"
)

// Valid はsが既知の状態かを返す。
func (s Status) Valid() bool {
	return s == StatusPassing || s == StatusFailing
}

// Instance は下流サービスの1つの稼働中レプリカ。
type Instance struct {
	// ID はインスタンスの一意識別子（UUID）。
	ID string `json:"id"`
	// Service はサービス名。複数のインスタンスが同じ名前を共有する。
	Service string `json:"service"`
	// Scheme は転送時に使うスキーム（http または https）。
	Scheme string `json:"scheme"`
	// Host はホスト名またはIPアドレス。
	Host string `json:"host"`
	// Port はポート番号。
	Port int `json:"port"`
	// Status は稼働状態。
	Status Status `json:"status"`
	// Static は設定ファイル由来で、ハートビートが無くても削除しないインスタンスかどうか。
	Static bool `json:"static"`
	// RegisteredAt は登録日時。
	RegisteredAt time.Time `json:"registered_at"`
	// LastHeartbeat は最後にハートビートを受信した日時。
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Addr は "host:port" 形式のアドレスを返す。
func (i Instance) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// BaseURL は転送先のベースURL（例: "http://10.0.0.5:8081"）を返す。
func (i Instance) BaseURL() string {
	scheme := i.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + i.Addr()
}
