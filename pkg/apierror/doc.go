// Package apierror はGatewayが扱うエラーの分類と、クライアントへ返す標準エラーレスポンスを提供する。
//
// 各コンポーネントはここで定義した番兵エラーを %w でラップして返し、
// Gatewayの境界でHTTPステータスと標準ボディ
// {timestamp, status, error, message, path, details} に変換する。
package apierror
