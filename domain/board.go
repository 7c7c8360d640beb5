package domain

import "time"

// Car is a tracked vehicle shown as a card on the board.
type Car struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Make        string `json:"make"`
	Model       string `json:"model"`
	// EstimateDate is empty while the car still needs a maintenance date.
	EstimateDate string `json:"estimatedate"`
	KM           int    `json:"km"`
	Image        string `json:"image"`
}

// Scheduled reports whether a maintenance date has been assigned.
func (c Car) Scheduled() bool {
	return c.EstimateDate != ""
}

// List is a board column. Car order is display order.
type List struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
	Cars []Car  `json:"cars"`
}

// Board is the root aggregate. List order is column display order.
type Board struct {
	Lists       []List    `json:"lists"`
	DraggedItem *DragItem `json:"draggedItem,omitempty"`
}

// ItemType distinguishes draggable columns from draggable cards.
type ItemType string

const (
	ItemColumn ItemType = "COLUMN"
	ItemCard   ItemType = "CARD"
)

// DragItem describes the item currently being dragged.
type DragItem struct {
	Type     ItemType `json:"type"`
	Index    int      `json:"index"`
	ID       int      `json:"id"`
	ColumnID int      `json:"columnId"`
	Text     string   `json:"text"`
}

// Snapshot is the persisted form of a board. The drag state is transient and never stored.
type Snapshot struct {
	Version   uint64    `json:"version"`
	Lists     []List    `json:"lists"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	PendingListID   = 0
	ScheduledListID = 1
)

// DefaultBoard is the board used when nothing has been persisted yet.
func DefaultBoard() Board {
	return Board{
		Lists: []List{
			{ID: PendingListID, Text: "Pending maintenance", Cars: []Car{}},
			{ID: ScheduledListID, Text: "Maintenance scheduled", Cars: []Car{}},
		},
	}
}

// Clone returns a deep copy of b.
func (b Board) Clone() Board {
	out := Board{Lists: CloneLists(b.Lists)}
	if b.DraggedItem != nil {
		item := *b.DraggedItem
		out.DraggedItem = &item
	}
	return out
}

// CloneLists deep copies lists and their cars.
func CloneLists(lists []List) []List {
	if lists == nil {
		return nil
	}
	out := make([]List, len(lists))
	for i, l := range lists {
		out[i] = List{ID: l.ID, Text: l.Text, Cars: append(make([]Car, 0, len(l.Cars)), l.Cars...)}
	}
	return out
}

// IsHidden reports whether a rendered item should be hidden because it is the one being
// dragged. Drag previews are never hidden.
func IsHidden(preview bool, dragged *DragItem, kind ItemType, id int) bool {
	return !preview && dragged != nil && dragged.Type == kind && dragged.ID == id
}

func nextCarID(lists []List) int {
	max := 0
	for _, l := range lists {
		for _, c := range l.Cars {
			if c.ID > max {
				max = c.ID
			}
		}
	}
	return max + 1
}
