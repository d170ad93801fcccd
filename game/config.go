package game

import "time"

// 引擎与渲染层共用的唯一一份网格配置，避免两端默认值不一致
const (
	DefaultCols = 20
	DefaultRows = 15
)

const (
	// ScorePerFood 每吃一个食物的固定加分
	ScorePerFood = 10
	// DefaultFoodCount 场上维持的食物数量
	DefaultFoodCount = 3
	// DefaultTickInterval 世界推进周期
	DefaultTickInterval = 250 * time.Millisecond
)

// Config 模拟引擎配置
type Config struct {
	Cols         int
	Rows         int
	FoodCount    int
	TickInterval time.Duration
}

// DefaultConfig 返回默认网格与节奏配置
func DefaultConfig() Config {
	return Config{
		Cols:         DefaultCols,
		Rows:         DefaultRows,
		FoodCount:    DefaultFoodCount,
		TickInterval: DefaultTickInterval,
	}
}
