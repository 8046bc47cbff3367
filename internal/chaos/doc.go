// Package chaos はロード実行中のランダムな障害注入を提供する。
//
// Monkeyは一定間隔でサーバーを選び、Injector経由で障害を注入する。
// 注入した障害は HealAfter 経過後、または Stop 時に元に戻される。
// 先頭サーバー（マスター）は管理APIの窓口なので対象にしない。
//
// # 障害タイプ
//
// - clog: フラッシャーを停止（戻すときは再開）
// - failover: ノードをフェイルオーバー（戻すときはadd-backしてリバランス）
// - restart: サーバープロセスを停止（戻すときは起動）
//
// # 使用例
//
//	config := chaos.DefaultConfig()
//	config.Interval = 10 * time.Second
//
//	monkey := chaos.New(controller, rc.Topology.Servers, bus, config)
//	monkey.Start(ctx)
//	defer monkey.Stop()
package chaos
