// Package gateway は銀行プラットフォームのAPI Gatewayを実装する。
//
// 外部からアクセス可能な唯一の入口として、すべてのリクエストを
// RECEIVED → AUTH_CHECKED → RATE_CHECKED → ROUTED → FORWARDED → COMPLETED
// の順に処理し、途中で失敗したものは REJECTED として標準エラーボディで応答する。
// 認証系エンドポイント（ログイン・トークン更新・ログアウト）、サービスレジストリの
// 管理API、セキュリティ監査ログもこのパッケージで提供する。
package gateway
