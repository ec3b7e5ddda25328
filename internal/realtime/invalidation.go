package realtime

import "sort"

// Invalidation 前端缓存失效提示：所属模块与需要失效的查询键
type Invalidation struct {
	Module  string   `json:"module"`
	Queries []string `json:"queries"`
}

// invalidations entityType -> 失效提示；未收录的类型由客户端整体失效
var invalidations = map[string]Invalidation{
	"project": {Module: "projects", Queries: []string{"projects:list", "projects:detail", "dashboard:summary"}},
	"client":  {Module: "clients", Queries: []string{"clients:list", "clients:detail"}},
	"contact": {Module: "clients", Queries: []string{"clients:contacts", "clients:detail"}},
	"deal":    {Module: "sales", Queries: []string{"sales:deals:list", "sales:deals:detail", "sales:pipeline", "dashboard:summary"}},
	"task":    {Module: "tasks", Queries: []string{"tasks:list", "tasks:detail", "tasks:my"}},
	"comment": {Module: "activity", Queries: []string{"activity:comments", "activity:feed"}},

	"invoice":  {Module: "supply", Queries: []string{"supply:invoices:list", "supply:invoices:detail", "supply:balance"}},
	"act":      {Module: "supply", Queries: []string{"supply:acts:list", "supply:acts:detail", "supply:balance"}},
	"payment":  {Module: "supply", Queries: []string{"supply:payments:list", "supply:invoices:list", "supply:balance"}},
	"supplier": {Module: "supply", Queries: []string{"supply:suppliers:list", "supply:suppliers:detail"}},
	"contract": {Module: "supply", Queries: []string{"supply:contracts:list", "supply:contracts:detail"}},

	"stock_item":     {Module: "warehouse", Queries: []string{"warehouse:items:list", "warehouse:items:detail"}},
	"stock_movement": {Module: "warehouse", Queries: []string{"warehouse:movements:list", "warehouse:items:list"}},

	"document": {Module: "documents", Queries: []string{"documents:list", "documents:detail"}},
	"user":     {Module: "admin", Queries: []string{"admin:users:list", "admin:users:detail"}},
	"role":     {Module: "admin", Queries: []string{"admin:roles:list", "admin:users:list"}},
}

// InvalidationFor 查表，第二个返回值表示是否命中
func InvalidationFor(entityType string) (Invalidation, bool) {
	inv, ok := invalidations[entityType]
	if !ok {
		return Invalidation{}, false
	}
	return Invalidation{Module: inv.Module, Queries: append([]string(nil), inv.Queries...)}, true
}

// KnownEntityTypes 已收录的实体类型（排序）
func KnownEntityTypes() []string {
	out := make([]string, 0, len(invalidations))
	for k := range invalidations {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
