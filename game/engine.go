package game

import (
	"errors"
	"math/rand"
	"sort"
	"time"
)

// ErrNoFreeCell 网格上已经没有可用的空格
var ErrNoFreeCell = errors.New("game: no free cell on grid")

// Engine 主机独占的确定性模拟引擎。
// 引擎本身不做加锁：所有调用都必须发生在主机的 Tick 协程里，
// 网络回调只能通过通道把意图送进该协程。
type Engine struct {
	cfg    Config
	snakes []*Snake // 按 OwnerID 升序，保证每个 Tick 的枚举顺序稳定
	foods  []Coord
	rng    *rand.Rand
}

// NewEngine 创建空引擎；蛇与食物在 Reset/AddSnake 时生成
func NewEngine(cfg Config) *Engine {
	if cfg.Cols <= 0 || cfg.Rows <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.FoodCount <= 0 {
		cfg.FoodCount = DefaultFoodCount
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config 返回引擎使用的网格配置（与渲染层共用同一份）
func (e *Engine) Config() Config { return e.cfg }

// AddSnake 为玩家生成一条新蛇：随机找一个头尾都空闲的位置。
// 找不到两格连续空间时退化为单格蛇，完全没有空格则报错。
func (e *Engine) AddSnake(ownerID int) error {
	if e.snakeOf(ownerID) != nil {
		return nil
	}
	for attempt := 0; attempt < 100; attempt++ {
		head := Coord{X: e.rng.Intn(e.cfg.Cols), Y: e.rng.Intn(e.cfg.Rows)}
		if e.occupied(head) {
			continue
		}
		dir := Direction(1 + e.rng.Intn(4))
		off, _ := dir.Offset()
		tail := Coord{X: head.X - off.X, Y: head.Y - off.Y}
		if !e.inBounds(tail) || e.occupied(tail) {
			continue
		}
		e.insertSnake(&Snake{
			OwnerID: ownerID,
			Cells:   []Coord{head, tail},
			Dir:     dir,
			Color:   ColorFor(ownerID),
		})
		return nil
	}
	head, ok := e.SpawnFood() // 借用同一套空格查找
	if !ok {
		return ErrNoFreeCell
	}
	e.insertSnake(&Snake{
		OwnerID: ownerID,
		Cells:   []Coord{head},
		Dir:     Direction(1 + e.rng.Intn(4)),
		Color:   ColorFor(ownerID),
	})
	return nil
}

// RemoveSnake 将玩家的蛇整条移出世界（断线清理路径）
func (e *Engine) RemoveSnake(ownerID int) bool {
	for i, s := range e.snakes {
		if s.OwnerID == ownerID {
			e.snakes = append(e.snakes[:i], e.snakes[i+1:]...)
			return true
		}
	}
	return false
}

// SetDirection 记录玩家意图；禁止长度大于 1 的蛇原地掉头
func (e *Engine) SetDirection(ownerID int, dir Direction) {
	s := e.snakeOf(ownerID)
	if s == nil || s.Dead {
		return
	}
	if len(s.Cells) > 1 && dir == s.Dir.Opposite() {
		return
	}
	s.Dir = dir
}

// Tick 推进一个周期，返回本轮结束后仍存活的蛇数。
// 处理顺序：逐蛇推进（边界/自撞/进食）→ 蛇间碰撞 → 移除死蛇。
func (e *Engine) Tick() int {
	for _, s := range e.snakes {
		if s.Dead {
			continue
		}
		off, ok := s.Dir.Offset()
		if !ok {
			// 未知方向：本 Tick 原地不动（文档化的边界情况）
			continue
		}
		head := s.Head()
		cand := Coord{X: head.X + off.X, Y: head.Y + off.Y}
		if !e.inBounds(cand) {
			s.Dead = true
			continue
		}
		if s.contains(cand) {
			s.Dead = true
			continue
		}
		if i := e.foodAt(cand); i >= 0 {
			// 进食：保留尾部，立即补一个新食物
			s.Cells = append([]Coord{cand}, s.Cells...)
			s.Score += ScorePerFood
			e.foods = append(e.foods[:i], e.foods[i+1:]...)
			if c, ok := e.SpawnFood(); ok {
				e.foods = append(e.foods, c)
			}
		} else {
			moved := make([]Coord, 0, len(s.Cells))
			moved = append(moved, cand)
			moved = append(moved, s.Cells[:len(s.Cells)-1]...)
			s.Cells = moved
		}
	}

	e.resolveCrossCollisions()

	live := make([]*Snake, 0, len(e.snakes))
	for _, s := range e.snakes {
		if !s.Dead {
			live = append(live, s)
		}
	}
	e.snakes = live
	return len(live)
}

// resolveCrossCollisions 在所有蛇推进完成后统一裁决：
// 先头对头（低分者死，平分同亡），再头撞身（受害方掉一分并缩一节）。
func (e *Engine) resolveCrossCollisions() {
	alive := make([]*Snake, 0, len(e.snakes))
	for _, s := range e.snakes {
		if !s.Dead {
			alive = append(alive, s)
		}
	}

	for i := 0; i < len(alive); i++ {
		for j := i + 1; j < len(alive); j++ {
			a, b := alive[i], alive[j]
			if a.Head() != b.Head() {
				continue
			}
			switch {
			case a.Score < b.Score:
				a.Dead = true
			case b.Score < a.Score:
				b.Dead = true
			default:
				a.Dead = true
				b.Dead = true
			}
		}
	}

	for _, a := range alive {
		if a.Dead {
			continue
		}
		for _, b := range e.snakes {
			if b == a || b.Dead {
				continue
			}
			for k := 1; k < len(b.Cells); k++ {
				if b.Cells[k] == a.Head() {
					// 受害方掉一分（不低于 0）并失去尾节，撞击方不受此规则影响
					if b.Score > 0 {
						b.Score--
					}
					b.Cells = b.Cells[:len(b.Cells)-1]
					break
				}
			}
		}
	}
}

// Reset 整体重建世界：按玩家列表重新生成蛇与食物（从不做局部修补）
func (e *Engine) Reset(owners []int) error {
	e.snakes = nil
	e.foods = nil
	sorted := append([]int(nil), owners...)
	sort.Ints(sorted)
	for _, id := range sorted {
		if err := e.AddSnake(id); err != nil {
			return err
		}
	}
	for i := 0; i < e.cfg.FoodCount; i++ {
		c, ok := e.SpawnFood()
		if !ok {
			break
		}
		e.foods = append(e.foods, c)
	}
	return nil
}

// SpawnFood 在既不压蛇身也不压其他食物的空格中均匀随机选一个。
// 枚举空格后抽签，只要还有空格就必然终止。
func (e *Engine) SpawnFood() (Coord, bool) {
	free := make([]Coord, 0, e.cfg.Cols*e.cfg.Rows)
	for y := 0; y < e.cfg.Rows; y++ {
		for x := 0; x < e.cfg.Cols; x++ {
			c := Coord{X: x, Y: y}
			if !e.occupied(c) {
				free = append(free, c)
			}
		}
	}
	if len(free) == 0 {
		return Coord{}, false
	}
	return free[e.rng.Intn(len(free))], true
}

// Snapshot 返回深拷贝快照，供复制层序列化广播
func (e *Engine) Snapshot() GameState {
	st := GameState{
		Snakes: make([]Snake, 0, len(e.snakes)),
		Foods:  append([]Coord(nil), e.foods...),
	}
	for _, s := range e.snakes {
		cp := *s
		cp.Cells = append([]Coord(nil), s.Cells...)
		st.Snakes = append(st.Snakes, cp)
	}
	return st
}

// AliveCount 当前存活蛇数
func (e *Engine) AliveCount() int {
	n := 0
	for _, s := range e.snakes {
		if !s.Dead {
			n++
		}
	}
	return n
}

func (e *Engine) inBounds(c Coord) bool {
	return c.X >= 0 && c.X < e.cfg.Cols && c.Y >= 0 && c.Y < e.cfg.Rows
}

func (e *Engine) snakeOf(ownerID int) *Snake {
	for _, s := range e.snakes {
		if s.OwnerID == ownerID {
			return s
		}
	}
	return nil
}

// insertSnake 保持 OwnerID 升序插入，维持稳定枚举顺序
func (e *Engine) insertSnake(s *Snake) {
	i := sort.Search(len(e.snakes), func(i int) bool {
		return e.snakes[i].OwnerID >= s.OwnerID
	})
	e.snakes = append(e.snakes, nil)
	copy(e.snakes[i+1:], e.snakes[i:])
	e.snakes[i] = s
}

func (e *Engine) occupied(c Coord) bool {
	for _, s := range e.snakes {
		if s.contains(c) {
			return true
		}
	}
	return e.foodAt(c) >= 0
}

func (e *Engine) foodAt(c Coord) int {
	for i, f := range e.foods {
		if f == c {
			return i
		}
	}
	return -1
}

func (s *Snake) contains(c Coord) bool {
	for _, cell := range s.Cells {
		if cell == c {
			return true
		}
	}
	return false
}
