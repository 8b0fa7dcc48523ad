package domain

// RawItem is the source-specific payload returned by one provider. The set of
// variants is closed: only types in this package implement it.
type RawItem interface {
	RawSource() Source
	rawItem()
}

// SearchResult is one hit from the web-search provider.
type SearchResult struct {
	Category      string
	Query         string
	Title         string
	URL           string
	Content       string
	RawContent    string
	Score         float64
	PublishedDate string
	Author        string
}

// FeedEntry is one item of a syndicated feed.
type FeedEntry struct {
	Category    string
	FeedURL     string
	FeedTitle   string
	GUID        string
	Title       string
	Description string
	Content     string
	Link        string
	Author      string
	Published   string
	Categories  []string
	Language    string
}

// GraphConcept is a concept record attached to news-graph articles and events.
type GraphConcept struct {
	URI   string
	Label string
	Score float64
	Type  string
}

// GraphArticle is a single article from the news-graph provider.
type GraphArticle struct {
	Category  string
	URI       string
	Title     string
	Body      string
	URL       string
	DateTime  string
	Date      string
	Language  string
	Source    string
	Authors   []string
	Concepts  []GraphConcept
	Sentiment *float64
}

// GraphEvent is an aggregated event clustering many articles.
type GraphEvent struct {
	Category          string
	URI               string
	Title             string
	Summary           string
	EventDate         string
	TotalArticleCount int
	Concepts          []GraphConcept
	Sentiment         *float64
	Language          string
}

// TrendingConcept is a concept the news-graph provider reports as trending.
type TrendingConcept struct {
	Category      string
	URI           string
	Label         string
	Type          string
	TrendingScore float64
	ArticleCount  int
	ObservedAt    string
}

// Market is a prediction-market record.
type Market struct {
	Category      string
	ConditionID   string
	Slug          string
	URL           string
	Question      string
	Description   string
	Outcomes      []string
	OutcomePrices []float64
	Volume        float64
	Liquidity     float64
	EndDate       string
	StartDate     string
	UpdatedAt     string
	Tags          []string
}

// Headline is an article from the legacy headline API.
type Headline struct {
	Category    string
	SourceName  string
	Author      string
	Title       string
	Description string
	URL         string
	PublishedAt string
	Content     string
}

func (SearchResult) RawSource() Source { return SourceWebSearch }
func (FeedEntry) RawSource() Source { return SourceFeed }
func (GraphArticle) RawSource() Source { return SourceGraphArticle }
func (GraphEvent) RawSource() Source { return SourceGraphEvent }
func (TrendingConcept) RawSource() Source { return SourceTrendingConcept }
func (Market) RawSource() Source { return SourceMarket }
func (Headline) RawSource() Source { return SourceNewsAPI }

func (SearchResult) rawItem() {}
func (FeedEntry) rawItem() {}
func (GraphArticle) rawItem() {}
func (GraphEvent) rawItem() {}
func (TrendingConcept) rawItem() {}
func (Market) rawItem() {}
func (Headline) rawItem() {}
