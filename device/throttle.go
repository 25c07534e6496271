package device

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled limits the transfer rate of the wrapped Device. Every read or
// write waits for one token, so a slow disk can be simulated on top of Mem.
type Throttled struct {
	Device
	limiter *rate.Limiter
}

// Throttle wraps d so that it performs at most iops transfers per second,
// with bursts of up to burst transfers.
func Throttle(d Device, iops float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		Device:  d,
		limiter: rate.NewLimiter(rate.Limit(iops), burst),
	}
}

func (t *Throttled) ReadBlock(dev, blockno uint32, p []byte) error {
	if err := t.limiter.Wait(context.Background()); err != nil {
		return err
	}
	return t.Device.ReadBlock(dev, blockno, p)
}

func (t *Throttled) WriteBlock(dev, blockno uint32, p []byte) error {
	if err := t.limiter.Wait(context.Background()); err != nil {
		return err
	}
	return t.Device.WriteBlock(dev, blockno, p)
}
