package message

// Option is one protocol option. Order is significant on the wire.
type Option struct {
	Name  string
	Value string
}

// Options is an insertion-ordered option map. The zero value is empty and
// ready to use.
type Options struct {
	items []Option
}

func NewOptions(items ...Option) Options {
	var o Options
	for _, it := range items {
		o.Set(it.Name, it.Value)
	}
	return o
}

// Set replaces an existing option in place or appends a new one.
func (o *Options) Set(name, value string) {
	for i := range o.items {
		if o.items[i].Name == name {
			o.items[i].Value = value
			return
		}
	}
	o.items = append(o.items, Option{Name: name, Value: value})
}

func (o Options) Get(name string) (string, bool) {
	for _, it := range o.items {
		if it.Name == name {
			return it.Value, true
		}
	}
	return "", false
}

func (o *Options) Delete(name string) {
	for i := range o.items {
		if o.items[i].Name == name {
			o.items = append(o.items[:i:i], o.items[i+1:]...)
			return
		}
	}
}

func (o Options) Len() int { return len(o.items) }

// Items returns a copy in insertion order.
func (o Options) Items() []Option {
	return append([]Option(nil), o.items...)
}
