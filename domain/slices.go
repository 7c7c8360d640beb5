package domain

// The helpers below never modify their input slices; each returns a fresh slice.

func insertAt[T any](items []T, item T, index int) []T {
	out := make([]T, 0, len(items)+1)
	out = append(out, items[:index]...)
	out = append(out, item)
	return append(out, items[index:]...)
}

func removeAt[T any](items []T, index int) []T {
	out := make([]T, 0, len(items)-1)
	out = append(out, items[:index]...)
	return append(out, items[index+1:]...)
}

func replaceAt[T any](items []T, item T, index int) []T {
	out := append(make([]T, 0, len(items)), items...)
	out[index] = item
	return out
}

// moveItem removes the element at from and inserts it at to, where to is an index into
// the sequence after removal.
func moveItem[T any](items []T, from, to int) []T {
	item := items[from]
	return insertAt(removeAt(items, from), item, to)
}

func findListIndex(lists []List, id int) (int, bool) {
	for i, l := range lists {
		if l.ID == id {
			return i, true
		}
	}
	return -1, false
}
