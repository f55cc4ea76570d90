// Package ratelimit はエンドポイント種別ごとの固定ウィンドウ方式のレート制限を提供する。
//
// カウントは(クライアントキー, エンドポイント種別)の組ごとに行い、ウィンドウの境界を
// 越えた時点で0に戻る。未使用分の繰り越し（トークンバケットによる平滑化）は行わない。
package ratelimit
