package coyote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/protocol"
)

// extraNotifyCharUUID gives recovery tests a second subscription to replay.
const extraNotifyCharUUID = "0000150c-0000-1000-8000-00805f9b34fb"

func twoNotifyTree() []*fakeService {
	return []*fakeService{
		{uuid: PulseServiceUUID, chars: []*fakeChar{
			{uuid: WriteCharUUID, props: PropWrite | PropWriteWithoutResponse},
			{uuid: NotifyCharUUID, props: PropNotify | PropRead},
			{uuid: extraNotifyCharUUID, props: PropNotify},
		}},
	}
}

func TestRecoveryReplaysSubscriptionsAndSoftLimit(t *testing.T) {
	p := newFakePlatform()
	p.treeFactory = twoNotifyTree
	s := newTestSession(p)
	defer s.Close()
	d := NewDispatcher(s)

	ctx := context.Background()
	if err := s.Connect(ctx, testDeviceID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Subscribe(ctx, PulseServiceUUID, NotifyCharUUID, nil); err != nil {
		t.Fatalf("Subscribe notify: %v", err)
	}
	if err := s.Subscribe(ctx, PulseServiceUUID, extraNotifyCharUUID, nil); err != nil {
		t.Fatalf("Subscribe extra: %v", err)
	}
	if err := d.SetSoftLimits(ctx, 40, 60); err != nil {
		t.Fatalf("SetSoftLimits: %v", err)
	}
	first := p.current()

	p.fireDisconnect(testDeviceID)

	waitFor(t, 2*time.Second, "recovery to finish", func() bool {
		return !s.Recovering() && s.State() == StateConnected
	})

	second := p.current()
	if second == first {
		t.Fatal("recovery reused the dead peripheral handle")
	}
	if !second.char(NotifyCharUUID).isSubscribed() {
		t.Fatal("notify subscription not replayed")
	}
	if !second.char(extraNotifyCharUUID).isSubscribed() {
		t.Fatal("extra subscription not replayed")
	}

	// the soft limit must be the first frame on the new link, before any
	// caller command can land
	writes := second.char(WriteCharUUID).recorded()
	if len(writes) == 0 {
		t.Fatal("no writes on recovered link")
	}
	frame := writes[0]
	if frame[0] != 0xBF || frame[1] != 40 || frame[2] != 60 {
		t.Fatalf("first frame on recovered link = % X, want soft limit 40/60", frame)
	}
}

func TestCommandDuringRecoveryWaitsForSoftLimit(t *testing.T) {
	p := newFakePlatform()
	s := newTestSession(p)
	defer s.Close()
	d := NewDispatcher(s)

	ctx := context.Background()
	if err := s.Connect(ctx, testDeviceID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.SetSoftLimits(ctx, 40, 60); err != nil {
		t.Fatalf("SetSoftLimits: %v", err)
	}

	// hammer strength commands across the whole episode; none may land on
	// the fresh link ahead of the re-asserted soft limit
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				d.SetStrength(ctx, protocol.ChannelA, protocol.ModeAbsolute, 50)
			}
		}
	}()

	p.fireDisconnect(testDeviceID)

	waitFor(t, 2*time.Second, "recovery to finish", func() bool {
		return !s.Recovering() && s.State() == StateConnected
	})
	close(stop)
	wg.Wait()

	writes := p.current().char(WriteCharUUID).recorded()
	if len(writes) == 0 {
		t.Fatal("no writes on recovered link")
	}
	if writes[0][0] != 0xBF {
		t.Fatalf("first frame on recovered link = % X, want the 0xBF soft limit", writes[0])
	}
}

func TestRecoverySecondDropIsNoop(t *testing.T) {
	p := newFakePlatform()
	s := newTestSession(p)
	defer s.Close()

	if err := s.Connect(context.Background(), testDeviceID); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.fireDisconnect(testDeviceID)
	p.fireDisconnect(testDeviceID) // while the first episode is in flight

	waitFor(t, 2*time.Second, "recovery to finish", func() bool {
		return !s.Recovering() && s.State() == StateConnected
	})

	// initial connect plus exactly one recovery episode
	if got := p.connects(); got != 2 {
		t.Fatalf("platform connects = %d, want 2", got)
	}
}

func TestRecoveryCancelledByManualDisconnect(t *testing.T) {
	p := newFakePlatform()
	s := newTestSession(p)
	defer s.Close()

	if err := s.Connect(context.Background(), testDeviceID); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// every reconnect fails so the episode would run its full budget
	p.mu.Lock()
	p.failConnects = 100
	p.mu.Unlock()

	p.fireDisconnect(testDeviceID)
	waitFor(t, time.Second, "recovery to start", s.Recovering)

	s.Disconnect()

	waitFor(t, 2*time.Second, "recovery to abort", func() bool {
		return !s.Recovering()
	})
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
}

func TestManualDisconnectAbortsRecoveryDelay(t *testing.T) {
	p := newFakePlatform()
	cfg := testConfig()
	cfg.RecoverDelay = 5 * time.Second
	s := NewSession(p, NewScanner(p), cfg)
	defer s.Close()

	if err := s.Connect(context.Background(), testDeviceID); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.fireDisconnect(testDeviceID)
	waitFor(t, time.Second, "recovery to start", s.Recovering)

	// the episode is sitting in its first 5s delay; Disconnect must cut
	// through it instead of queueing behind it
	start := time.Now()
	s.Disconnect()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Disconnect blocked %s behind the recovery delay", elapsed)
	}

	waitFor(t, time.Second, "recovery to abort", func() bool {
		return !s.Recovering()
	})
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	if got := p.connects(); got != 1 {
		t.Fatalf("platform connects = %d, want 1", got)
	}
}

func TestLinkLossWalksThroughDisconnecting(t *testing.T) {
	p := newFakePlatform()
	s := newTestSession(p)
	defer s.Close()

	if err := s.Connect(context.Background(), testDeviceID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	changes, cancel := s.StateChanges()
	defer cancel()

	p.fireDisconnect(testDeviceID)

	// the drop tears down through Disconnecting like every other teardown,
	// then the episode reconnects
	want := []ConnectionState{StateDisconnecting, StateDisconnected, StateConnecting, StateConnected}
	for _, next := range want {
		select {
		case change := <-changes:
			if change.Current != next {
				t.Fatalf("transition to %s, want %s", change.Current, next)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for transition to %s", next)
		}
	}
}

func TestRecoveryGivesUpAfterBudget(t *testing.T) {
	p := newFakePlatform()
	s := newTestSession(p)
	defer s.Close()

	if err := s.Connect(context.Background(), testDeviceID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	initial := p.connects()

	p.mu.Lock()
	p.failConnects = 100
	p.mu.Unlock()

	p.fireDisconnect(testDeviceID)

	waitFor(t, 5*time.Second, "recovery to give up", func() bool {
		return !s.Recovering()
	})
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	// three recovery attempts, each with a full three-attempt connect budget
	if got := p.connects() - initial; got != 9 {
		t.Fatalf("reconnect attempts = %d, want 9", got)
	}
}

func TestRecoveryDisabledTearsDown(t *testing.T) {
	p := newFakePlatform()
	cfg := testConfig()
	cfg.DisableRecovery = true
	s := NewSession(p, NewScanner(p), cfg)
	defer s.Close()

	if err := s.Connect(context.Background(), testDeviceID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	changes, cancelChanges := s.StateChanges()
	defer cancelChanges()

	p.fireDisconnect(testDeviceID)

	for _, next := range []ConnectionState{StateDisconnecting, StateDisconnected} {
		select {
		case change := <-changes:
			if change.Current != next {
				t.Fatalf("transition to %s, want %s", change.Current, next)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for transition to %s", next)
		}
	}
	if s.Recovering() {
		t.Fatal("recovery started with the supervisor disabled")
	}
	if got := p.connects(); got != 1 {
		t.Fatalf("platform connects = %d, want 1", got)
	}
	if got := s.Cache().Len(); got != 0 {
		t.Fatalf("cache entries after teardown = %d, want 0", got)
	}
}

func TestManualDisconnectDoesNotTriggerRecovery(t *testing.T) {
	p := newFakePlatform()
	s := newTestSession(p)
	defer s.Close()

	if err := s.Connect(context.Background(), testDeviceID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.Disconnect()

	// the platform reports the drop our own disconnect caused
	p.fireDisconnect(testDeviceID)

	time.Sleep(20 * time.Millisecond)
	if s.Recovering() {
		t.Fatal("recovery started after a manual disconnect")
	}
	if got := p.connects(); got != 1 {
		t.Fatalf("platform connects = %d, want 1", got)
	}
}
