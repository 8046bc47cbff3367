package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
	"kvperf/internal/orchestrator"
	"kvperf/internal/workload"
)

const (
	// DefaultMemQuotaMB はクラスタとバケットのメモリクォータ
	DefaultMemQuotaMB = 6000
	// DefaultDatasetBase はDGMデータセットの取得元
	DefaultDatasetBase = "https://s3.amazonaws.com/database-analysis"

	vbucketMapTimeout = 60 * time.Second
)

// SetupOptions は系統ごとのセットアップのデフォルト
// 各値はテストパラメータ（dgm, replicas, mem_quota）で上書きできる
type SetupOptions struct {
	DGM        bool
	Replicas   int
	MemQuotaMB int
}

// DefaultSetup はDGMあり・レプリカ1のセットアップ
var DefaultSetup = BaseSetup(SetupOptions{DGM: true, Replicas: 1})

// datasetURL はDGMデータセットのアーカイブURLを返す
func datasetURL(r *workload.Reader, bucket string) string {
	base := r.String("dgm_base", DefaultDatasetBase)
	nodes := r.Int("dgm_nodes", 1)
	size := r.Int("dgm_size", 10)
	return fmt.Sprintf("%s/couchbase/%d-%d-%d/%s_cb.tar.gz", base, nodes, 256, size, bucket)
}

// BaseSetup はクラスタ初期化・バケット作成・ゲートウェイ起動・DGM復元を行い、
// vbucket数を取得してウォームアップ完了を待つ
func BaseSetup(o SetupOptions) SetupFunc {
	if o.MemQuotaMB <= 0 {
		o.MemQuotaMB = DefaultMemQuotaMB
	}
	return func(ctx context.Context, env *Env) error {
		r := env.Reader()
		quota := r.Int("mem_quota", o.MemQuotaMB)
		replicas := r.Int("replicas", o.Replicas)
		dgm := r.Bool("dgm", o.DGM)
		dbFrag := r.Float("db_compaction", 80)
		viewFrag := r.Float("view_compaction", 80)
		url := datasetURL(r, env.RC.Bucket)
		if err := r.Err(); err != nil {
			return err
		}

		// 前回の実行が途中で終わっていた場合に備える
		if err := Teardown(ctx, env); err != nil {
			logger.Debug("", "Pre-setup teardown: %v", err)
		}

		primary, err := env.RC.Topology.Primary()
		if err != nil {
			return err
		}
		if err := env.API.InitCluster(ctx, primary.RestUsername, primary.RestPassword, quota); err != nil {
			return fmt.Errorf("init cluster: %w", err)
		}
		err = env.API.CreateBucket(ctx, mgmt.BucketSpec{Name: env.RC.Bucket, RAMQuotaMB: quota, Replicas: replicas})
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", env.RC.Bucket, err)
		}
		policy := orchestrator.WaitPolicy{Interval: env.wait.Interval, MaxWait: vbucketMapTimeout}
		if _, err := env.Orch.WaitForVBucketMap(ctx, policy); err != nil {
			return fmt.Errorf("vbucket map not ready: %w", err)
		}

		err = env.API.SetAutoCompaction(ctx, mgmt.CompactionSettings{
			DBFragmentThreshold:   dbFrag,
			ViewFragmentThreshold: viewFrag,
		})
		if err != nil {
			logger.Info("", "Auto-compaction not set: %v", err)
		}

		if err := env.Orch.RestartGateways(ctx); err != nil {
			return err
		}
		if dgm {
			if err := env.Orch.RestoreDataset(ctx, url); err != nil {
				return err
			}
		}

		if err := env.Orch.Settle(ctx); err != nil {
			return err
		}
		vbmap, err := env.API.VBucketMap(ctx, env.RC.Bucket)
		if err != nil {
			return fmt.Errorf("vbucket map: %w", err)
		}
		env.RC.VBuckets = vbmap.NumVBuckets()

		if err := env.Orch.WaitUntilWarmedUp(ctx); err != nil {
			return err
		}
		if err := env.Orch.FlushOSCaches(ctx); err != nil {
			logger.Warn("", "Flush OS caches: %v", err)
		}
		return nil
	}
}

// Teardown はゲートウェイ停止・開いている統計セッションの終了・バケット削除を行い、
// 先頭サーバーだけのクラスタに戻す
// 各手順は失敗しても続行し、エラーはまとめて返す
func Teardown(ctx context.Context, env *Env) error {
	var result *multierror.Error

	if err := env.Orch.StopGateways(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if s := env.Stats.Current(); s != nil {
		if _, err := s.Close(workload.Ops{}); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := env.API.DeleteBucket(ctx, env.RC.Bucket); err != nil && !errors.Is(err, mgmt.ErrNotFound) {
		result = multierror.Append(result, fmt.Errorf("delete bucket: %w", err))
	}
	if err := env.Orch.Cleanup(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("cleanup cluster: %w", err))
	} else if err := env.Orch.WaitUntilHealthy(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
