// Package config はGatewayの設定を読み込み、検証する。
//
// 設定はYAMLファイルと GATEWAY_ 接頭辞付きの環境変数から読み込む
// （例: auth.secret は GATEWAY_AUTH_SECRET）。署名用の秘密鍵が無い場合など、
// 起動を続けられない設定は apierror.ErrConfiguration として返す。
package config
