// Package scenario は性能シナリオの定義と実行機能を提供する。
//
// Engine はシナリオごとに RunContext、Orchestrator、Driver、統計Collectorを
// 組み立て、セットアップ・本体・後始末の順に実行する。
//
// # 機能
//
// - クラスタ初期化・バケット作成・DGMデータセット復元を行う共通セットアップ
// - 系統（NPP, DRR, VP, EA, TS, WARM）ごとの本体と定義済みプリセット
// - 本体実行中のカオス注入（任意）
// - 実行結果のレポート生成
//
// # 系統
//
// - npp: ロード後に読み書きループを回してピーク性能を計る
// - drr: ロードからディスク書き出し完了までを計る
// - vp: ビューを作成してビルド時間とクエリ性能を計る
// - ea: erlang asyncスレッド数を変えて書き出しを計る
// - ts: フラッシュパラメータを変えてSetループを回す
// - warm: クラスタ再起動後のウォームアップ時間を計る
// - zones: サーバーグループにノードを振り分けてリバランスする
//
// # パラメータ
//
// 各系統の既定値はテストパラメータ（items, size, kind, clients, ops など）で
// 上書きできる。delay_seconds は遅延リバランスと遅延コンパクションの待ち時間。
//
// # 使用例
//
//	spec, _ := scenario.GetPreset("npp-get-1client")
//	engine := scenario.New(backend, config)
//	result, err := engine.Run(ctx, spec)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.Report())
package scenario
