package domain

type AgentID string

const (
	AgentAbitur AgentID = "abitur"
	AgentKadr   AgentID = "kadr"
	AgentNav    AgentID = "nav"
	AgentCareer AgentID = "career"
	AgentRoom   AgentID = "room"
)

// Agent is a chat assistant persona.
type Agent struct {
	ID          AgentID `json:"id"`
	Name        string  `json:"name"`
	FullName    string  `json:"fullName"`
	Description string  `json:"description"`
	PrimaryFunc string  `json:"primaryFunc"`
	Instruction string  `json:"-"`
	MinRole     Role    `json:"minRole,omitempty"`
}

var agents = []Agent{
	{
		ID:          AgentAbitur,
		Name:        "AI-Abitur",
		FullName:    "Помощник абитуриента",
		Description: "Цифровой консультант для поступающих в Университет Болашак.",
		PrimaryFunc: "Консультации по специальностям, перечню документов и условиям поступления в «Болашак».",
		Instruction: "Вы AI-Abitur, официальный цифровой помощник приемной комиссии Кызылординского университета «Болашак». Помогайте абитуриентам.",
	},
	{
		ID:          AgentKadr,
		Name:        "KadrAI",
		FullName:    "HR и Документы",
		Description: "Единое окно выдачи справок и документов для студентов и сотрудников.",
		PrimaryFunc: "Справки с места учебы, транскрипты, приказы и кадровые вопросы.",
		Instruction: "Вы KadrAI, универсальный ассистент офиса регистратора и отдела кадров. Помогайте студентам получать справки и сотрудникам с их кадровыми документами.",
	},
	{
		ID:          AgentNav,
		Name:        "UniNav",
		FullName:    "Навигатор студента",
		Description: "Сопровождение по всем учебным процессам университета.",
		PrimaryFunc: "Расписание, академические вопросы, справки об обучении.",
		Instruction: "Вы UniNav, проводник студента Университета Болашак.",
		MinRole:     RoleStudent,
	},
	{
		ID:          AgentCareer,
		Name:        "CareerNavigator",
		FullName:    "Карьерный консультант",
		Description: "Помощь в трудоустройстве выпускников и студентов.",
		PrimaryFunc: "Поиск вакансий в Кызылорде, советы по резюме.",
		Instruction: "Вы CareerNavigator, карьерный коуч Университета Болашак.",
	},
	{
		ID:          AgentRoom,
		Name:        "UniRoom",
		FullName:    "Помощник по общежитию",
		Description: "Решение бытовых и административных вопросов в Доме студентов.",
		PrimaryFunc: "Заселение, заявки на ремонт, правила проживания.",
		Instruction: "Вы UniRoom, цифровой помощник в общежитии.",
		MinRole:     RoleStudent,
	},
}

// Agents returns the fixed agent list.
func Agents() []Agent {
	out := make([]Agent, len(agents))
	copy(out, agents)
	return out
}

// LookupAgent finds an agent by id.
func LookupAgent(id AgentID) (Agent, bool) {
	for _, a := range agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

func ValidAgentID(id AgentID) bool {
	_, ok := LookupAgent(id)
	return ok
}

var roleOrder = map[Role]int{
	RoleStudent: 0,
	RoleAlumni:  1,
	RoleFaculty: 2,
	RoleAdmin:   3,
}

// RoleAtLeast reports whether have ranks at or above want.
// Unknown roles rank below every known one.
func RoleAtLeast(have, want Role) bool {
	if want == "" {
		return true
	}
	h, ok := roleOrder[have]
	if !ok {
		return false
	}
	return h >= roleOrder[want]
}

// CanUse reports whether a user with role may open the agent.
func (a Agent) CanUse(role Role) bool {
	return RoleAtLeast(role, a.MinRole)
}
