// Package like 實作網站的按讚按鈕
//
// Controller 持有單一 session 的狀態：目前的讚數、是否已按讚、
// 進行中的切換與提示訊息。切換採樂觀更新：先改本機狀態，
// 再以遠端交易讀取並寫入計數，失敗時完整回滾，成功時以遠端結果為準。
//
// 遠端快照依版本號套用：只接受比已套用版本更新的快照。切換進行中
// 收到的訂閱快照先暫存，切換結束（提交或回滾）後再依版本決定是否套用。
package like

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-like-counter/internal/document"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
)

// Phase 控制器狀態
type Phase string

// 狀態
const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseReady        Phase = "ready"
	PhaseToggling     Phase = "toggling"
	PhaseRolledBack   Phase = "rolled_back"
	PhaseDisabled     Phase = "disabled"
	PhaseUnavailable  Phase = "unavailable"
)

// 使用者看到的訊息
const (
	MsgThanks           = "Thanks for your like!"
	MsgBusy             = "Hold on, your last click is still being saved."
	MsgRateLimited      = "Easy there! Try again in a moment."
	MsgSaveFailed       = "Couldn't save your like. Please try again."
	MsgPermissionUpdate = "You don't have permission to update likes."
	MsgPermissionView   = "You don't have permission to view or update likes."
	MsgLoadFailed       = "Error loading likes."
)

// Remote 按讚計數文件的遠端操作
type Remote interface {
	Get(ctx context.Context) (document.Snapshot, error)
	InitializeIfMissing(ctx context.Context) (document.Snapshot, bool, error)
	RunTransaction(ctx context.Context, fn document.UpdateFunc) (document.Snapshot, error)
	Listen(ctx context.Context) (<-chan document.Event, error)
}

// Connector 延遲取得 Remote
type Connector interface {
	Connect(ctx context.Context) (Remote, error)
}

// ConnectorFunc 函數形式的 Connector
type ConnectorFunc func(ctx context.Context) (Remote, error)

// Connect 實作 Connector
func (f ConnectorFunc) Connect(ctx context.Context) (Remote, error) {
	return f(ctx)
}

// Options 控制器選項
type Options struct {
	// Enabled 為 false 時不顯示、不連線
	Enabled bool
	// Realtime 為 true 時訂閱即時更新，否則只讀取一次
	Realtime bool

	Cooldown            time.Duration
	Window              time.Duration
	MaxTogglesPerWindow int
	FeedbackTTL         time.Duration

	Now func() time.Time
}

// DefaultOptions 預設：冷卻 1 秒、每 60 秒最多 5 次、提示 4 秒
func DefaultOptions() Options {
	return Options{
		Enabled:             true,
		Realtime:            true,
		Cooldown:            time.Second,
		Window:              time.Minute,
		MaxTogglesPerWindow: 5,
		FeedbackTTL:         4 * time.Second,
		Now:                 time.Now,
	}
}

// View 畫面所需的狀態
type View struct {
	Visible    bool
	Disabled   bool
	Likes      int64
	Liked      bool
	Processing bool
	Feedback   string
	Error      string
	Phase      Phase
}

// state 可回滾的本機狀態
type state struct {
	likes   int64
	liked   bool
	version int64
}

// Controller 按讚控制器
type Controller struct {
	connector Connector
	storage   LocalStorage
	logger    *slog.Logger
	opts      Options
	policy    *togglePolicy

	mu               sync.Mutex
	phase            Phase
	current          state
	processing       bool
	pending          *document.Snapshot
	feedback         string
	feedbackUntil    time.Time
	errMsg           string
	permissionDenied bool
	hidden           bool
	started          bool

	ready  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController 建立控制器，未設定的選項使用預設值
func NewController(connector Connector, storage LocalStorage, logger *slog.Logger, opts Options) *Controller {
	defaults := DefaultOptions()
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.Window <= 0 {
		opts.Window = defaults.Window
	}
	if opts.MaxTogglesPerWindow <= 0 {
		opts.MaxTogglesPerWindow = defaults.MaxTogglesPerWindow
	}
	if opts.FeedbackTTL <= 0 {
		opts.FeedbackTTL = defaults.FeedbackTTL
	}
	if opts.Now == nil {
		opts.Now = defaults.Now
	}

	return &Controller{
		connector: connector,
		storage:   storage,
		logger:    logger,
		opts:      opts,
		policy:    newTogglePolicy(opts.Cooldown, opts.Window, opts.MaxTogglesPerWindow, opts.Now),
		phase:     PhaseIdle,
		ready:     make(chan struct{}),
	}
}

// Initialize 從本機儲存還原狀態，並在背景連線、訂閱或讀取一次
//
// 重複呼叫不會有作用。Ready 在背景階段結束時關閉。
func (c *Controller) Initialize(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true

	if !c.opts.Enabled {
		c.phase = PhaseDisabled
		c.mu.Unlock()
		close(c.ready)
		return
	}

	c.restore()
	c.phase = PhaseInitializing
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()
}

// Ready 背景初始化結束時關閉
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Close 停止訂閱並等待背景 goroutine 結束
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// restore 讀取持久化的按讚狀態與快取讚數，呼叫端持有鎖
func (c *Controller) restore() {
	if v, ok, err := c.storage.Get(KeyIsLiked); err != nil {
		c.logger.Warn("read local like flag failed", "error", err)
	} else if ok {
		c.current.liked = v == "true"
	}

	if v, ok, err := c.storage.Get(KeyLikes); err != nil {
		c.logger.Warn("read cached likes failed", "error", err)
	} else if ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.current.likes = max(n, 0)
		}
	}
}

// run 背景連線，之後訂閱或讀取一次
func (c *Controller) run(ctx context.Context) {
	readyOnce := sync.OnceFunc(func() { close(c.ready) })
	defer readyOnce()

	remote, err := c.connector.Connect(ctx)
	if err != nil {
		c.connectFailed(err)
		return
	}

	if !c.opts.Realtime {
		snap, err := remote.Get(ctx)
		if err != nil {
			c.streamFailed(err)
			return
		}
		c.mu.Lock()
		c.apply(snap)
		c.setPhase(PhaseReady)
		c.mu.Unlock()
		return
	}

	events, err := remote.Listen(ctx)
	if err != nil {
		c.streamFailed(err)
		return
	}

	c.mu.Lock()
	c.setPhase(PhaseReady)
	c.mu.Unlock()

	for ev := range events {
		if ev.Err != nil {
			c.streamFailed(ev.Err)
			readyOnce()
			return
		}
		c.mu.Lock()
		c.apply(ev.Snapshot)
		c.mu.Unlock()
		readyOnce()
	}
}

// connectFailed 連線失敗：設定錯誤時隱藏，其他錯誤顯示為不可用
func (c *Controller) connectFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.phase = PhaseUnavailable
	switch {
	case apperrors.IsConfiguration(err):
		// 只在開發時輸出
		c.hidden = true
		c.logger.Debug("likes disabled by configuration", "error", err)
	case apperrors.IsPermissionDenied(err):
		c.permissionDenied = true
		c.errMsg = MsgPermissionView
	default:
		c.errMsg = MsgLoadFailed
		c.logger.Warn("likes backend unavailable", "error", err)
	}
}

// streamFailed 訂閱或讀取失敗：權限錯誤持續整個 session
func (c *Controller) streamFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if apperrors.IsPermissionDenied(err) {
		c.permissionDenied = true
		c.errMsg = MsgPermissionView
		c.setPhase(PhaseDisabled)
		c.logger.Warn("likes stream denied", "error", err)
		return
	}
	c.errMsg = MsgLoadFailed
	if c.phase == PhaseInitializing {
		c.phase = PhaseReady
	}
	c.logger.Warn("likes stream failed", "error", err)
}

// apply 套用遠端快照，呼叫端持有鎖
func (c *Controller) apply(snap document.Snapshot) {
	if !snap.Exists {
		return
	}
	if c.processing {
		if c.pending == nil || snap.Version > c.pending.Version {
			c.pending = &snap
		}
		return
	}
	if snap.Version <= c.current.version {
		return
	}

	c.current.likes = max(snap.Likes, 0)
	c.current.version = snap.Version
	if c.errMsg == MsgLoadFailed {
		c.errMsg = ""
	}
	c.persistLikes()
}

// setPhase 切換狀態，sticky 的 Disabled 不會被覆蓋
func (c *Controller) setPhase(p Phase) {
	if c.phase == PhaseDisabled && c.permissionDenied {
		return
	}
	c.phase = p
}

// Toggle 切換按讚
//
// 切換進行中、冷卻中、或視窗內已達上限時拒絕且不發出網路請求。
// 交易失敗時本機狀態回到切換前；權限錯誤之後的切換一律拒絕。
func (c *Controller) Toggle(ctx context.Context) (View, error) {
	c.mu.Lock()
	if err := c.admit(); err != nil {
		view := c.viewLocked()
		c.mu.Unlock()
		return view, err
	}

	prior := c.current
	wantLike := !prior.liked
	delta := int64(-1)
	if wantLike {
		delta = 1
	}

	c.processing = true
	c.phase = PhaseToggling
	c.errMsg = ""
	c.current.liked = wantLike
	c.current.likes = max(prior.likes+delta, 0)
	c.persistLiked(wantLike)
	if wantLike {
		c.showFeedback(MsgThanks)
	} else {
		c.clearFeedback()
	}
	c.mu.Unlock()

	snap, clamped, err := c.commit(ctx, prior, delta)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.processing = false
	if err != nil {
		c.rollback(prior, err)
		c.drainPending()
		return c.viewLocked(), err
	}

	c.policy.record()
	if clamped {
		// 遠端已是 0，取消按讚沒有效果，以遠端結果為準
		c.current.liked = false
		c.persistLiked(false)
	}
	if snap.Version > c.current.version {
		c.current.likes = max(snap.Likes, 0)
		c.current.version = snap.Version
		c.persistLikes()
	}
	c.drainPending()
	c.setPhase(PhaseReady)

	c.logger.Debug("like toggled",
		"liked", c.current.liked,
		"likes", c.current.likes,
		"version", c.current.version,
		"clamped", clamped,
	)
	return c.viewLocked(), nil
}

// admit 切換前檢查，呼叫端持有鎖
func (c *Controller) admit() error {
	switch {
	case !c.opts.Enabled:
		return apperrors.ErrFeatureDisabled
	case c.permissionDenied:
		return apperrors.ErrPermissionDenied
	case c.hidden, c.phase == PhaseUnavailable:
		// 初始化失敗不重試
		return apperrors.ErrFeatureDisabled
	case c.processing:
		c.showFeedback(MsgBusy)
		return apperrors.ErrBusy
	}

	if err := c.policy.check(); err != nil {
		c.showFeedback(MsgRateLimited)
		return err
	}
	return nil
}

// commit 確保文件存在後執行 clamp-at-zero 交易
func (c *Controller) commit(ctx context.Context, prior state, delta int64) (document.Snapshot, bool, error) {
	remote, err := c.connector.Connect(ctx)
	if err != nil {
		return document.Snapshot{}, false, err
	}

	if prior.version == 0 {
		if _, _, err := remote.InitializeIfMissing(ctx); err != nil {
			return document.Snapshot{}, false, err
		}
	}

	var clamped bool
	snap, err := remote.RunTransaction(ctx, func(current document.Snapshot) (int64, error) {
		next := current.Likes + delta
		clamped = next < 0
		return max(next, 0), nil
	})
	if err != nil {
		return document.Snapshot{}, false, err
	}
	return snap, clamped, nil
}

// rollback 回到切換前的狀態，呼叫端持有鎖
func (c *Controller) rollback(prior state, err error) {
	c.current = prior
	c.persistLiked(prior.liked)
	c.clearFeedback()

	switch {
	case apperrors.IsPermissionDenied(err):
		c.permissionDenied = true
		c.errMsg = MsgPermissionUpdate
		c.phase = PhaseDisabled
	case apperrors.IsConfiguration(err):
		c.hidden = true
		c.phase = PhaseUnavailable
	default:
		c.errMsg = MsgSaveFailed
		c.phase = PhaseRolledBack
	}

	c.logger.Warn("like toggle rolled back", "error", err, "likes", prior.likes, "liked", prior.liked)
}

// drainPending 套用切換期間暫存的快照，呼叫端持有鎖
func (c *Controller) drainPending() {
	if c.pending == nil {
		return
	}
	snap := *c.pending
	c.pending = nil
	c.apply(snap)
}

func (c *Controller) persistLiked(liked bool) {
	var err error
	if liked {
		err = c.storage.Set(KeyIsLiked, "true")
	} else {
		err = c.storage.Remove(KeyIsLiked)
	}
	if err != nil {
		c.logger.Warn("persist like flag failed", "error", err)
	}
}

func (c *Controller) persistLikes() {
	if err := c.storage.Set(KeyLikes, strconv.FormatInt(c.current.likes, 10)); err != nil {
		c.logger.Warn("persist cached likes failed", "error", err)
	}
}

func (c *Controller) showFeedback(msg string) {
	c.feedback = msg
	c.feedbackUntil = c.opts.Now().Add(c.opts.FeedbackTTL)
}

func (c *Controller) clearFeedback() {
	c.feedback = ""
	c.feedbackUntil = time.Time{}
}

// View 目前的畫面狀態
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	v := View{
		Likes:      c.current.likes,
		Liked:      c.current.liked,
		Processing: c.processing,
		Error:      c.errMsg,
		Phase:      c.phase,
	}

	switch {
	case !c.opts.Enabled:
		return View{Phase: PhaseDisabled, Disabled: true}
	case c.hidden:
		v.Disabled = true
	default:
		v.Visible = true
		v.Disabled = c.processing || c.permissionDenied || c.phase == PhaseUnavailable
	}

	if c.feedback != "" && c.opts.Now().Before(c.feedbackUntil) && !c.permissionDenied {
		v.Feedback = c.feedback
	}
	return v
}
