package eventstore

import (
	"slices"
)

type FilterEventTypeString = string
type FilterCategoryString = string

/***** Filter *****/

// Filter is an EventMatcher built with BuildEventFilter. An event matches if it matches ANY FilterItem.
// A Filter without items matches every event.
type Filter struct {
	items []FilterItem
}

func (f Filter) Items() []FilterItem {
	return f.items
}

// Matches implements EventMatcher.
func (f Filter) Matches(event Event) bool {
	if len(f.items) == 0 {
		return true
	}

	for _, item := range f.items {
		if item.Matches(event) {
			return true
		}
	}

	return false
}

/***** FilterItem *****/

// FilterItem matches an event if its type is ANY of the event types AND its stream category is ANY of the categories.
// An empty list does not restrict.
type FilterItem struct {
	eventTypes []FilterEventTypeString
	categories []FilterCategoryString
}

func (fi FilterItem) EventTypes() []FilterEventTypeString {
	return fi.eventTypes
}

func (fi FilterItem) Categories() []FilterCategoryString {
	return fi.categories
}

// Matches reports whether the event satisfies this item.
func (fi FilterItem) Matches(event Event) bool {
	if len(fi.eventTypes) > 0 {
		if _, found := slices.BinarySearch(fi.eventTypes, event.EventType); !found {
			return false
		}
	}

	if len(fi.categories) > 0 {
		if _, found := slices.BinarySearch(fi.categories, event.StreamID.Category()); !found {
			return false
		}
	}

	return true
}

/***** FilterBuilder *****/

// FilterBuilder builds an event Filter for subscriptions.
// It only allows the combinations that are useful to follow parts of the global log:
//
//   - empty filter
//   - (eventType OR eventType...)
//   - (category OR category...)
//   - ((eventType OR eventType...) AND (category OR category...))
//   - multiple of the above, combined with OR -> multiple FilterItem(s)
type FilterBuilder interface {
	// Matching starts a new FilterItem.
	Matching() EmptyFilterItemBuilder

	// MatchingAnyEvent directly creates an empty Filter.
	MatchingAnyEvent() Filter
}

type EmptyFilterItemBuilder interface {
	// AnyEventTypeOf adds one or multiple EventTypes to the current FilterItem.
	//
	// It sanitizes the input:
	//	- removing empty EventTypes ("")
	//	- sorting the EventTypes
	//	- removing duplicate EventTypes
	AnyEventTypeOf(eventType FilterEventTypeString, eventTypes ...FilterEventTypeString) FilterItemBuilderLackingCategories

	// AnyCategoryOf adds one or multiple stream categories to the current FilterItem.
	//
	// It sanitizes the input the same way as AnyEventTypeOf.
	AnyCategoryOf(category FilterCategoryString, categories ...FilterCategoryString) FilterItemBuilderLackingEventTypes
}

type FilterItemBuilderLackingCategories interface {
	// AndAnyCategoryOf adds one or multiple stream categories to the current FilterItem.
	AndAnyCategoryOf(category FilterCategoryString, categories ...FilterCategoryString) CompletedFilterItemBuilder

	// OrMatching finalizes the current FilterItem and starts a new one.
	OrMatching() EmptyFilterItemBuilder

	// Finalize returns the Filter.
	Finalize() Filter
}

type FilterItemBuilderLackingEventTypes interface {
	// AndAnyEventTypeOf adds one or multiple EventTypes to the current FilterItem.
	AndAnyEventTypeOf(eventType FilterEventTypeString, eventTypes ...FilterEventTypeString) CompletedFilterItemBuilder

	// OrMatching finalizes the current FilterItem and starts a new one.
	OrMatching() EmptyFilterItemBuilder

	// Finalize returns the Filter.
	Finalize() Filter
}

type CompletedFilterItemBuilder interface {
	// OrMatching finalizes the current FilterItem and starts a new one.
	OrMatching() EmptyFilterItemBuilder

	// Finalize returns the Filter.
	Finalize() Filter
}

// filterBuilder implements all the interfaces of FilterBuilder
type filterBuilder struct {
	filter            Filter
	currentFilterItem FilterItem
}

// BuildEventFilter creates a FilterBuilder which must eventually be finalized with Finalize() or MatchingAnyEvent().
func BuildEventFilter() FilterBuilder {
	return filterBuilder{}
}

// Matching starts a new FilterItem.
func (fb filterBuilder) Matching() EmptyFilterItemBuilder {
	fb.currentFilterItem = FilterItem{}

	return fb
}

// AnyEventTypeOf adds one or multiple EventTypes to the current FilterItem expecting ANY EventType to match.
func (fb filterBuilder) AnyEventTypeOf(
	eventType FilterEventTypeString,
	eventTypes ...FilterEventTypeString,
) FilterItemBuilderLackingCategories {

	fb.currentFilterItem.eventTypes = sanitize(
		append(slices.Clone(fb.currentFilterItem.eventTypes), append([]string{eventType}, eventTypes...)...),
	)

	return fb
}

// AndAnyEventTypeOf adds one or multiple EventTypes to the current FilterItem expecting ANY EventType to match.
func (fb filterBuilder) AndAnyEventTypeOf(
	eventType FilterEventTypeString,
	eventTypes ...FilterEventTypeString,
) CompletedFilterItemBuilder {

	return fb.AnyEventTypeOf(eventType, eventTypes...)
}

// AnyCategoryOf adds one or multiple stream categories to the current FilterItem expecting ANY category to match.
func (fb filterBuilder) AnyCategoryOf(
	category FilterCategoryString,
	categories ...FilterCategoryString,
) FilterItemBuilderLackingEventTypes {

	fb.currentFilterItem.categories = sanitize(
		append(slices.Clone(fb.currentFilterItem.categories), append([]string{category}, categories...)...),
	)

	return fb
}

// AndAnyCategoryOf adds one or multiple stream categories to the current FilterItem expecting ANY category to match.
func (fb filterBuilder) AndAnyCategoryOf(
	category FilterCategoryString,
	categories ...FilterCategoryString,
) CompletedFilterItemBuilder {

	return fb.AnyCategoryOf(category, categories...)
}

// sanitize removes empty strings, sorts and removes duplicates.
func sanitize(values []string) []string {
	values = slices.DeleteFunc(
		values,
		func(v string) bool {
			return v == ""
		})
	slices.Sort(values)
	values = slices.Compact(values)
	values = slices.Clip(values)

	return values
}

// OrMatching finalizes the current FilterItem and starts a new one.
func (fb filterBuilder) OrMatching() EmptyFilterItemBuilder {
	fb.filter.items = append(slices.Clone(fb.filter.items), fb.currentFilterItem)
	fb.currentFilterItem = FilterItem{}

	return fb
}

// MatchingAnyEvent directly creates an empty filter.
func (fb filterBuilder) MatchingAnyEvent() Filter {
	return fb.filter
}

// Finalize returns the Filter.
func (fb filterBuilder) Finalize() Filter {
	return Filter{items: append(slices.Clone(fb.filter.items), fb.currentFilterItem)}
}
