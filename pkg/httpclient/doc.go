// Package httpclient はGatewayから下流サービスへのHTTP通信を提供する。
//
// 外部認証サービスへの認証情報検証のようなJSON API呼び出しにはClientを、
// ルーティングしたリクエストのそのままの転送にはForwarderを使用する。
// どちらも呼び出し元のコンテキストに従い、リトライは行わない。
package httpclient
