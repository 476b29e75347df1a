package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/messaging"
)

// RedisConfig selects the server and the rank layout of one session.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Session  uuid.UUID
	Rank     int
	NumRanks int
	// PollTimeout bounds each BLPOP so Close is observed promptly.
	PollTimeout time.Duration
	Logger      *log.Logger
}

// mailboxClient is the part of the Redis client the transport uses.
type mailboxClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Redis delivers messages through one list per rank, keyed by session. A
// sender RPUSHes onto the receiver's list; the receiver BLPOPs in a loop, so
// messages from one sender arrive in send order.
type Redis struct {
	client  mailboxClient
	log     *log.Logger
	owned   bool
	session uuid.UUID
	rank    int
	size    int
	poll    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis connects to cfg.Addr and verifies the server answers.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(errors.ErrCodeTransport, err, "ping redis %s", cfg.Addr)
	}
	r := NewRedisWithClient(client, cfg)
	r.owned = true
	return r, nil
}

// NewRedisWithClient wraps an existing client; the caller keeps ownership.
func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig) *Redis {
	return newRedis(client, cfg)
}

func newRedis(client mailboxClient, cfg RedisConfig) *Redis {
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Redis{
		client:  client,
		log:     logger.WithPrefix(fmt.Sprintf("redis rank %d", cfg.Rank)),
		session: cfg.Session,
		rank:    cfg.Rank,
		size:    cfg.NumRanks,
		poll:    poll,
	}
}

func (r *Redis) Rank() int     { return r.rank }
func (r *Redis) NumRanks() int { return r.size }

// Key returns the mailbox list of rank.
func (r *Redis) Key(rank int) string {
	return MailboxKey(r.session, rank)
}

// MailboxKey names the list holding rank's incoming messages.
func MailboxKey(session uuid.UUID, rank int) string {
	return fmt.Sprintf("dfb:%s:rank:%d", session, rank)
}

// Send pushes msg onto the destination rank's list.
func (r *Redis) Send(ctx context.Context, msg messaging.Message) error {
	return r.client.RPush(ctx, r.Key(msg.To), encodeEnvelope(msg)).Err()
}

// Start launches the receive loop. A server error or a malformed envelope
// ends the loop and is reported through fail; the mailbox can no longer be
// trusted to hold whole messages in order.
func (r *Redis) Start(deliver func(messaging.Message), fail func(error)) error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	key := r.Key(r.rank)
	stop := func(err error) {
		r.log.Error("receive loop stopped", "key", key, "err", err)
		if fail != nil {
			fail(err)
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			res, err := r.client.BLPop(ctx, r.poll, key).Result()
			if ctx.Err() != nil {
				return
			}
			if err == redis.Nil {
				continue
			}
			if err != nil {
				stop(errors.Wrap(errors.ErrCodeTransport, err, "blpop %s", key))
				return
			}
			// res is [key, value]
			if len(res) != 2 {
				stop(errors.New(errors.ErrCodeTransport, "blpop %s returned %d values", key, len(res)))
				return
			}
			msg, err := decodeEnvelope([]byte(res[1]))
			if err != nil {
				stop(errors.Wrap(errors.ErrCodeTransport, err, "decode message on %s", key))
				return
			}
			msg.To = r.rank
			deliver(msg)
		}
	}()
	return nil
}

// Close stops the receive loop and removes this rank's mailbox.
func (r *Redis) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), r.poll)
	defer cancel()
	err := r.client.Del(ctx, r.Key(r.rank)).Err()
	if r.owned {
		if cerr := r.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

const envelopeHeader = 8

func encodeEnvelope(msg messaging.Message) []byte {
	buf := make([]byte, envelopeHeader, envelopeHeader+len(msg.Payload))
	binary.LittleEndian.PutUint32(buf[0:], uint32(msg.From))
	binary.LittleEndian.PutUint32(buf[4:], uint32(msg.Object))
	return append(buf, msg.Payload...)
}

func decodeEnvelope(buf []byte) (messaging.Message, error) {
	if len(buf) < envelopeHeader {
		return messaging.Message{}, errors.New(errors.ErrCodeProtocol, "envelope too short: %d bytes", len(buf))
	}
	return messaging.Message{
		From:    int(binary.LittleEndian.Uint32(buf[0:])),
		Object:  messaging.ObjectID(binary.LittleEndian.Uint32(buf[4:])),
		Payload: buf[envelopeHeader:],
	}, nil
}
