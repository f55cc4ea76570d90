// Package middleware はGatewayのGinエンジンで使用する共通ミドルウェアを提供する。
//
// リクエストIDの付与、構造化アクセスログ、パニックリカバリ、CORS、
// 管理API用の固定トークン検証と、Bearerトークンの取り出しを含む。
package middleware
