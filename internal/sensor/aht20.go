package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// AHT20 I2C address and commands (datasheet v1.1).
const (
	AHT20Address = 0x38

	aht20CmdInit    = 0xBE
	aht20CmdMeasure = 0xAC

	aht20StatusBusy       = 0x80
	aht20StatusCalibrated = 0x08

	aht20MeasureDelay = 80 * time.Millisecond
	aht20InitDelay    = 10 * time.Millisecond
)

// AHT20 reads temperature and relative humidity from an Aosong AHT20.
type AHT20 struct {
	dev         conn.Conn
	sleep       func(time.Duration)
	initialized bool
}

// NewAHT20 wraps an already-addressed I2C connection.
func NewAHT20(dev conn.Conn) *AHT20 {
	return &AHT20{dev: dev, sleep: time.Sleep}
}

// OpenAHT20 initializes the host drivers and opens the named I2C bus
// ("" selects the first available bus). The returned closer releases the bus.
func OpenAHT20(bus string) (*AHT20, io.Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("init host: %w", err)
	}
	b, err := i2creg.Open(bus)
	if err != nil {
		return nil, nil, fmt.Errorf("open i2c bus %q: %w", bus, err)
	}
	return NewAHT20(&i2c.Dev{Bus: b, Addr: AHT20Address}), b, nil
}

// Measure triggers a conversion and returns temperature and humidity.
func (a *AHT20) Measure(ctx context.Context) ([]Measurement, error) {
	if !a.initialized {
		if err := a.calibrate(); err != nil {
			return nil, err
		}
	}

	if err := a.dev.Tx([]byte{aht20CmdMeasure, 0x33, 0x00}, nil); err != nil {
		return nil, fmt.Errorf("aht20 trigger: %w", err)
	}
	a.sleep(aht20MeasureDelay)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, 7)
	if err := a.dev.Tx(nil, buf); err != nil {
		return nil, fmt.Errorf("aht20 read: %w", err)
	}

	temp, hum, err := decodeAHT20(buf)
	if err != nil {
		// Force a status check on the next read.
		a.initialized = false
		return nil, err
	}
	return []Measurement{
		{Kind: KindTemperature, Value: temp},
		{Kind: KindHumidity, Value: hum},
	}, nil
}

func (a *AHT20) calibrate() error {
	status := make([]byte, 1)
	if err := a.dev.Tx([]byte{0x71}, status); err != nil {
		return fmt.Errorf("aht20 status: %w", err)
	}
	if status[0]&aht20StatusCalibrated == 0 {
		if err := a.dev.Tx([]byte{aht20CmdInit, 0x08, 0x00}, nil); err != nil {
			return fmt.Errorf("aht20 init: %w", err)
		}
		a.sleep(aht20InitDelay)
	}
	a.initialized = true
	return nil
}

// decodeAHT20 converts a 7-byte measurement frame into (°C, %RH).
func decodeAHT20(buf []byte) (float64, float64, error) {
	if len(buf) < 7 {
		return 0, 0, fmt.Errorf("aht20: short frame (%d bytes)", len(buf))
	}
	if buf[0]&aht20StatusBusy != 0 {
		return 0, 0, errors.New("aht20: sensor busy")
	}
	if got, want := buf[6], crc8(buf[:6]); got != want {
		return 0, 0, fmt.Errorf("aht20: crc mismatch (got 0x%02x, want 0x%02x)", got, want)
	}

	rawHum := uint32(buf[1])<<12 | uint32(buf[2])<<4 | uint32(buf[3])>>4
	rawTemp := uint32(buf[3]&0x0F)<<16 | uint32(buf[4])<<8 | uint32(buf[5])

	hum := float64(rawHum) / (1 << 20) * 100
	temp := float64(rawTemp)/(1<<20)*200 - 50
	return temp, hum, nil
}

// crc8 is the CRC-8 used by Aosong and Sensirion sensors (poly 0x31, init 0xFF).
func crc8(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
