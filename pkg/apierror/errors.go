package apierror

import (
	"errors"
	"net/http"
)

var (
	// ErrConfiguration は起動時の設定不備を表す。リクエスト処理中には発生させない。
	ErrConfiguration = errors.New("設定が不正です")
	// ErrMissingToken はAuthorizationヘッダーが無い、またはBearer形式でないことを表す。
	ErrMissingToken = errors.New("認証トークンがありません")
	// ErrInvalidTokenFormat はトークンの形式・署名・種別が不正であることを表す。
	ErrInvalidTokenFormat = errors.New("トークンの形式が不正です")
	// ErrTokenExpired はトークンの有効期限切れを表す。
	ErrTokenExpired = errors.New("トークンの有効期限が切れています")
	// ErrTokenRevoked はログアウト等で失効済みのトークンを表す。
	ErrTokenRevoked = errors.New("トークンは失効しています")
	// ErrInvalidCredentials は認証情報が一致しないことを表す。
	ErrInvalidCredentials = errors.New("認証情報が正しくありません")
	// ErrForbidden は管理APIへのアクセス権が無いことを表す。
	ErrForbidden = errors.New("アクセスが拒否されました")
	// ErrBadRequest はリクエストボディ等が不正であることを表す。
	ErrBadRequest = errors.New("リクエストが不正です")
	// ErrConflict はリソースが既に存在することを表す。
	ErrConflict = errors.New("リソースが既に存在します")
	// ErrRateLimitExceeded はエンドポイント種別ごとのリクエスト上限超過を表す。
	ErrRateLimitExceeded = errors.New("リクエスト数の上限を超えました")
	// ErrNotFound は管理APIで指定されたリソースが存在しないことを表す。
	ErrNotFound = errors.New("リソースが見つかりません")
	// ErrRouteNotFound はパスに一致するルートが無いことを表す。
	ErrRouteNotFound = errors.New("ルートが見つかりません")
	// ErrServiceUnavailable は転送先サービスに正常なインスタンスが無いことを表す。
	ErrServiceUnavailable = errors.New("サービスが利用できません")
	// ErrGatewayTimeout は転送先サービスが時間内に応答しなかったことを表す。
	ErrGatewayTimeout = errors.New("転送先サービスがタイムアウトしました")
	// ErrBadGateway は転送先サービスとの通信自体に失敗したことを表す。
	ErrBadGateway = errors.New("転送先サービスとの通信に失敗しました")
)

// kind は番兵エラーとHTTP表現の対応。
type kind struct {
	target error
	status int
	code   string
}

// kinds は判定順に並べた対応表。先に一致したものを採用する。
var kinds = []kind{
	{ErrMissingToken, http.StatusUnauthorized, "MissingToken"},
	{ErrInvalidTokenFormat, http.StatusUnauthorized, "InvalidTokenFormat"},
	{ErrTokenExpired, http.StatusUnauthorized, "TokenExpired"},
	{ErrTokenRevoked, http.StatusUnauthorized, "TokenRevoked"},
	{ErrInvalidCredentials, http.StatusUnauthorized, "InvalidCredentials"},
	{ErrForbidden, http.StatusForbidden, "Forbidden"},
	{ErrBadRequest, http.StatusBadRequest, "BadRequest"},
	{ErrConflict, http.StatusConflict, "Conflict"},
	{ErrRateLimitExceeded, http.StatusTooManyRequests, "RateLimitExceeded"},
	{ErrNotFound, http.StatusNotFound, "NotFound"},
	{ErrRouteNotFound, http.StatusNotFound, "RouteNotFound"},
	{ErrServiceUnavailable, http.StatusServiceUnavailable, "ServiceUnavailable"},
	{ErrGatewayTimeout, http.StatusGatewayTimeout, "GatewayTimeout"},
	{ErrBadGateway, http.StatusBadGateway, "BadGateway"},
	{ErrConfiguration, http.StatusInternalServerError, "ConfigurationError"},
}

// lookup はerrに対応する分類を返す。未分類のエラーは内部エラーとして扱う。
func lookup(err error) kind {
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k
		}
	}
	return kind{status: http.StatusInternalServerError, code: "InternalError"}
}

// Status はerrに対応するHTTPステータスコードを返す。
func Status(err error) int {
	return lookup(err).status
}

// Code はerrの分類名（例: "TokenRevoked"）を返す。
func Code(err error) string {
	return lookup(err).code
}

// Message はクライアントへ返すメッセージを返す。
// 未分類のエラーは内部情報を漏らさないよう固定文言にする。
func Message(err error) string {
	k := lookup(err)
	if k.target == nil {
		return "内部サーバーエラーが発生しました"
	}
	return k.target.Error()
}
