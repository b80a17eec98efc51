package voice

import (
	"math"
	"time"
)

// EnergyVAD 基于能量的说话结束检测：先检测到语音，再持续静音hold时长即判定说完
type EnergyVAD struct {
	threshold float64
	hold      time.Duration

	speaking  bool
	lastVoice time.Time
}

// NewEnergyVAD threshold为归一化RMS阈值(0~1)
func NewEnergyVAD(threshold float64, hold time.Duration) *EnergyVAD {
	return &EnergyVAD{threshold: threshold, hold: hold}
}

// Feed 输入一帧μ-law，返回是否刚刚检测到说话结束
func (v *EnergyVAD) Feed(frame []byte, at time.Time) bool {
	if len(frame) == 0 {
		return false
	}
	if rms(frame) >= v.threshold {
		v.speaking = true
		v.lastVoice = at
		return false
	}
	if v.speaking && at.Sub(v.lastVoice) >= v.hold {
		v.speaking = false
		return true
	}
	return false
}

// Reset 清除状态
func (v *EnergyVAD) Reset() {
	v.speaking = false
	v.lastVoice = time.Time{}
}

func rms(ulaw []byte) float64 {
	var sum float64
	for _, s := range DecodeMulaw(ulaw) {
		f := float64(s) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(ulaw)))
}
