package model

type SessionID string
type TargetID string

// ResourceType 请求资源类型（小写，与页面侧 resourceType 一致）
type ResourceType string

const (
	ResourceDocument    ResourceType = "document"
	ResourceStylesheet  ResourceType = "stylesheet"
	ResourceImage       ResourceType = "image"
	ResourceMedia       ResourceType = "media"
	ResourceFont        ResourceType = "font"
	ResourceScript      ResourceType = "script"
	ResourceTextTrack   ResourceType = "texttrack"
	ResourceXHR         ResourceType = "xhr"
	ResourceFetch       ResourceType = "fetch"
	ResourceEventSource ResourceType = "eventsource"
	ResourceWebSocket   ResourceType = "websocket"
	ResourceManifest    ResourceType = "manifest"
	ResourceOther       ResourceType = "other"
)

// EventType 会话事件类型
type EventType string

const (
	EventPluginInit       EventType = "plugin.init"
	EventPluginRestart    EventType = "plugin.restart"
	EventPluginStop       EventType = "plugin.stop"
	EventPluginClose      EventType = "plugin.close"
	EventRequestResponded EventType = "request.responded"
	EventRequestAborted   EventType = "request.aborted"
	EventRequestContinued EventType = "request.continued"
	EventDialogHandled    EventType = "dialog.handled"
	EventInterceptionOn   EventType = "interception.enabled"
	EventInterceptionOff  EventType = "interception.disabled"
	EventBrowserClosed    EventType = "browser.closed"
)

// Event 会话事件
type Event struct {
	Type      EventType `json:"type"`
	Session   SessionID `json:"session"`
	Plugin    string    `json:"plugin,omitempty"`
	Target    TargetID  `json:"target,omitempty"`
	URL       string    `json:"url,omitempty"`
	Votes     int       `json:"votes,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

type TargetInfo struct {
	ID    TargetID `json:"id"`
	Type  string   `json:"type"`
	URL   string   `json:"url"`
	Title string   `json:"title"`
}
