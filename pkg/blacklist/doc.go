// Package blacklist はログアウト等で失効させたトークンを、本来の有効期限まで保持するストアを提供する。
//
// エントリはトークンID（jti）をキーとし、トークンの残り有効期間をTTLとして登録する。
// TTLを過ぎたエントリは自動的に削除されるため、ストアが際限なく肥大化することはない。
package blacklist
