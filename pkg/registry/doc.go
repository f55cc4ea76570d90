// Package registry は下流サービスのインスタンスとその稼働状態を管理するサービスレジストリを提供する。
//
// インスタンスは起動時に登録し、一定間隔でハートビートを送る。連続してN回
// ハートビートを取りこぼしたインスタンスは不健全として選択対象から外れ、
// Sweepで削除される。レジストリはルーティング先の唯一の情報源であり、業務データは持たない。
package registry
