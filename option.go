package wire

import (
	"time"
)

// ErrorAction defines the action to take when an error occurs on a Conn.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// Default configuration values.
const (
	// defaultBufferSize is the default size of a Conn's send queue.
	defaultBufferSize = 1
	// defaultMaxPackageLength is the default maximum payload of a single message (1MB).
	defaultMaxPackageLength = 1024 * 1024
	// defaultMessageBufferSize is the default capacity of pooled buffers.
	defaultMessageBufferSize = 64 * 1024
	// defaultPoolSize is the default number of pooled buffers.
	defaultPoolSize = 32
	// defaultProbeDelay is the delay before the first scheduled probe.
	defaultProbeDelay = 100 * time.Millisecond
	// defaultProbeInterval is the period of scheduled probes.
	defaultProbeInterval = 10 * time.Millisecond
	// defaultProbeTimeout bounds a single accept or read attempt inside a probe.
	defaultProbeTimeout = 5 * time.Millisecond
	// defaultWriteTimeout bounds a single socket write.
	defaultWriteTimeout = 5 * time.Second
	// defaultDialTimeout bounds opening an outbound socket.
	defaultDialTimeout = time.Second
	// defaultHeartbeat is the idle heartbeat of a Conn.
	defaultHeartbeat = 30 * time.Second
)

// options holds the configuration shared by readers, processors, channels and connections.
type options struct {
	codec  Codec
	logger Logger

	onMessage func(message Message) error
	// onError is called when an error occurs on a Conn.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	bufferSize    int           // size of a Conn's send queue
	maxReadLength int           // maximum payload of a single message
	heartbeat     time.Duration // heartbeat interval for Conn read/write deadlines

	messageBufferSize int
	poolSize          int
	poolPolicy        PoolPolicy
	pool              *ByteBufferPool

	probeDelay    time.Duration
	probeInterval time.Duration
	probeTimeout  time.Duration
	writeTimeout  time.Duration
	dialTimeout   time.Duration
	scheduler     Scheduler
}

// Option is a function that configures options.
type Option func(*options)

func newOptions(opt ...Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// checkOptions sets default values for every option left unset.
func checkOptions(opts *options) {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.codec == nil {
		opts.codec = RawMessageCodec{MaxLength: opts.maxReadLength}
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.messageBufferSize <= 0 {
		opts.messageBufferSize = defaultMessageBufferSize
	}

	if opts.poolSize <= 0 {
		opts.poolSize = defaultPoolSize
	}

	if opts.probeDelay <= 0 {
		opts.probeDelay = defaultProbeDelay
	}

	if opts.probeInterval <= 0 {
		opts.probeInterval = defaultProbeInterval
	}

	if opts.probeTimeout <= 0 {
		opts.probeTimeout = defaultProbeTimeout
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}

	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}

	if opts.scheduler == nil {
		opts.scheduler = NewTickerScheduler()
	}
}

// bufferPool returns the shared pool, creating the component's own pool on first use.
func (o *options) bufferPool() *ByteBufferPool {
	if o.pool == nil {
		o.pool = NewByteBufferPool(o.poolSize, o.messageBufferSize, PoolPolicyOption(o.poolPolicy))
	}
	return o.pool
}

// CustomCodecOption returns an Option that sets the codec of a Conn.
// The default is RawMessageCodec bounded by MessageMaxSize.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption returns an Option that sets the size of a Conn's send queue.
// A larger buffer allows more messages to be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval of a Conn.
// This determines the read/write deadline timeout (heartbeat * 2).
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// MessageMaxSize returns an Option that sets the maximum payload size.
// Headers declaring a larger payload are treated as corrupt.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption returns an Option that sets the error callback of a Conn.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler of a Conn.
// This callback is required and is invoked for each received message.
func OnMessageOption(cb func(Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MessageBufferSizeOption sets the capacity of each pooled buffer.
func MessageBufferSizeOption(size int) Option {
	return func(o *options) {
		o.messageBufferSize = size
	}
}

// PoolSizeOption sets how many buffers the component's own pool holds.
// Size it as expected connections times in-flight messages per connection.
func PoolSizeOption(size int) Option {
	return func(o *options) {
		o.poolSize = size
	}
}

// ExhaustionPolicyOption sets the exhaustion policy of the component's own pool.
func ExhaustionPolicyOption(policy PoolPolicy) Option {
	return func(o *options) {
		o.poolPolicy = policy
	}
}

// SharedPoolOption makes the component lease from pool instead of creating its own.
func SharedPoolOption(pool *ByteBufferPool) Option {
	return func(o *options) {
		o.pool = pool
	}
}

// ProbeIntervalOption sets the base delay and the period of scheduled probes.
func ProbeIntervalOption(delay, interval time.Duration) Option {
	return func(o *options) {
		o.probeDelay = delay
		o.probeInterval = interval
	}
}

// ProbeTimeoutOption bounds a single accept or read attempt inside a probe.
func ProbeTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.probeTimeout = timeout
	}
}

// WriteTimeoutOption bounds a single socket write.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// DialTimeoutOption bounds opening an outbound socket.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// SchedulerOption sets the scheduler that drives periodic probes.
func SchedulerOption(scheduler Scheduler) Option {
	return func(o *options) {
		o.scheduler = scheduler
	}
}
