// Package token はアクセストークン・リフレッシュトークンの発行と検証を提供する。
//
// トークンは共有秘密鍵によるHS256署名のJWTである。秘密鍵を変更すると
// 発行済みのトークンはすべて一斉に無効になる。検証では署名、有効期限、
// 失効リスト（blacklist）の順に確認する。
package token
