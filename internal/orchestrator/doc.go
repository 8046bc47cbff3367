// Package orchestrator performs cluster mutations alongside load runs.
//
// A Controller drives topology changes (rebalance in/out, server group
// shuffles), fault injection (flusher clog, failover, restarts) and
// convergence waits against any mgmt.API implementation. Machine-level
// operations such as restarting servers or gateways go through a
// remote.Connector.
//
// # Basic Usage
//
//	ctl := orchestrator.New(api, shells, rc, orchestrator.Options{Bus: bus})
//	if err := ctl.Nodes(ctx, 3); err != nil {
//	    return err
//	}
//	ctl.DelayedCompaction(ctx, false, 0.01, 10*time.Second)
//	defer ctl.Wait()
//
// # Waits
//
// WaitUntilDrained and WaitUntilWarmedUp poll node stats at a fixed
// interval. A WaitPolicy with MaxWait == 0 waits forever; otherwise the
// wait fails with *WaitTimeoutError.
//
// # Server Groups
//
// ShuffleZones places server i into "Group (i mod n)+1", rebalances and then
// checks that no replica vbucket shares a zone with its active copy. A
// violation is returned as *ZoneViolationError.
package orchestrator
