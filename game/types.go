package game

// Coord 网格坐标（左上角为原点）
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Direction 移动方向（主机权威解释客户端"意图"）
type Direction int

const (
	DirNone Direction = iota
	DirUp
	DirDown
	DirLeft
	DirRight
)

// Offset 返回方向对应的单格位移；未知方向返回 ok=false
func (d Direction) Offset() (Coord, bool) {
	switch d {
	case DirUp:
		return Coord{X: 0, Y: -1}, true
	case DirDown:
		return Coord{X: 0, Y: 1}, true
	case DirLeft:
		return Coord{X: -1, Y: 0}, true
	case DirRight:
		return Coord{X: 1, Y: 0}, true
	default:
		return Coord{}, false
	}
}

// Opposite 返回相反方向，用于禁止原地掉头
func (d Direction) Opposite() Direction {
	switch d {
	case DirUp:
		return DirDown
	case DirDown:
		return DirUp
	case DirLeft:
		return DirRight
	case DirRight:
		return DirLeft
	default:
		return DirNone
	}
}

// Snake 一条蛇的权威状态（头部为 Cells[0]，存活时非空）
type Snake struct {
	OwnerID int     `json:"ownerId"`
	Cells   []Coord `json:"cells"`
	Dir     Direction `json:"dir"`
	Dead    bool    `json:"dead"`
	Score   int     `json:"score"`
	Color   string  `json:"color"`
}

// Head 返回蛇头坐标；调用方保证 Cells 非空
func (s *Snake) Head() Coord {
	return s.Cells[0]
}

// GameState 单个 Tick 的完整世界快照；客户端整体替换，不做增量合并
type GameState struct {
	Snakes []Snake `json:"snakes"`
	Foods  []Coord `json:"foods"`
}

// palette 按玩家 id 取模分配显示颜色
var palette = []string{
	"#4caf50", "#2196f3", "#ff9800", "#e91e63",
	"#9c27b0", "#00bcd4", "#ffeb3b", "#795548",
}

// ColorFor 返回玩家 id 对应的固定颜色
func ColorFor(ownerID int) string {
	if ownerID < 0 {
		ownerID = -ownerID
	}
	return palette[ownerID%len(palette)]
}
