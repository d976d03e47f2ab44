package peer

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Status struct {
	manager *Manager
}

func NewStatus(manager *Manager) *Status {
	return &Status{
		manager: manager,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/members", s.listMembersRoute)
	group.GET("/membership", s.getMembershipRoute)
	group.GET("/connections", s.listConnectionsRoute)
	group.GET("/local", s.getLocalRoute)
}

func (s *Status) listMembersRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Members())
}

func (s *Status) getMembershipRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.MemberList())
}

func (s *Status) listConnectionsRoute(c *gin.Context) {
	connections := make(map[string]string)
	_ = s.manager.call(func() {
		for _, name := range s.manager.table.Names() {
			connections[name] = s.manager.table.Get(name).state.String()
		}
	})
	c.JSON(http.StatusOK, connections)
}

func (s *Status) getLocalRoute(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"member": s.manager.Self(),
		"actor":  s.manager.Actor().String(),
	})
}
