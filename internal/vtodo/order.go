package vtodo

import (
	"strconv"
	"strings"
)

func (t *Todo) Order() *int64 {
	v := strings.TrimSpace(t.value(propSortOrder))
	if v == "" {
		return nil
	}
	order, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &order
}

func (t *Todo) SetOrder(order *int64) {
	if order == nil {
		t.remove(propSortOrder)
		return
	}
	t.set(propSortOrder, strconv.FormatInt(*order, 10), nil)
}
